package rpc

import (
	"errors"
	"net"
	"net/rpc"

	"github.com/wfunc/movecast/logger"
	"github.com/wfunc/movecast/models"
	"github.com/wfunc/movecast/services"
)

// Server manages the RPC listener.
type Server struct {
	listener net.Listener
	rpc      *rpc.Server
}

// NewServer listens on addr and registers the relay service.
func NewServer(addr string, ps *services.PlayerService) (*Server, error) {
	srv := rpc.NewServer()
	if err := srv.Register(NewRelayService(ps)); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		rpc:      srv,
	}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start begins listening for RPC requests.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.listener.Addr())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go s.rpc.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// RelayService is the struct that exposes RPC methods.
type RelayService struct {
	playerService *services.PlayerService
}

func NewRelayService(ps *services.PlayerService) *RelayService {
	return &RelayService{playerService: ps}
}

// ListPlayersArgs limits the reply to the first Limit players; 0 means all.
type ListPlayersArgs struct {
	Limit int
}

type ListPlayersReply struct {
	Players []models.PlayerInfo
}

// ListPlayers is an RPC method returning the online players.
// It must follow the net/rpc signature: exported method, exported arguments,
// second argument is a pointer, return type is error.
func (rs *RelayService) ListPlayers(args *ListPlayersArgs, reply *ListPlayersReply) error {
	players := rs.playerService.ListPlayers()
	if args.Limit > 0 && len(players) > args.Limit {
		players = players[:args.Limit]
	}
	reply.Players = players
	return nil
}

type GetPlayerArgs struct {
	ID string
}

type GetPlayerReply struct {
	Player models.PlayerInfo
}

func (rs *RelayService) GetPlayer(args *GetPlayerArgs, reply *GetPlayerReply) error {
	player, err := rs.playerService.GetPlayer(args.ID)
	if err != nil {
		return err
	}
	reply.Player = player
	return nil
}
