package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/movecast/broadcast"
	"github.com/wfunc/movecast/config"
	"github.com/wfunc/movecast/logger"
	"github.com/wfunc/movecast/models"
	"github.com/wfunc/movecast/monitor"
	"github.com/wfunc/movecast/network"
	"github.com/wfunc/movecast/services"
	"github.com/wfunc/movecast/session"
	relay_rpc "github.com/wfunc/movecast/rpc"
)

const welcomeMessage = "Connected to server"

// RelayServer 移动中继：为每个连接分配 playerId，并把合法移动广播给所有人
type RelayServer struct {
	cfg            config.ServerConfig
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	playerService  *services.PlayerService
	broadcaster    broadcast.Broadcaster
	monitor        *monitor.Monitor
	rpcServer      *relay_rpc.Server
	httpServer     *http.Server
	metricsServer  *http.Server
	shutdownChan   chan struct{}
	shutdownOnce   sync.Once
}

func NewRelayServer(cfg config.ServerConfig, mon *monitor.Monitor) (*RelayServer, error) {
	s := &RelayServer{
		cfg:            cfg,
		sessionManager: session.NewManager(),
		monitor:        mon,
		shutdownChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有跨域请求
			},
		},
	}
	s.playerService = services.NewPlayerService(s.sessionManager)

	// 初始化广播器
	s.broadcaster = broadcast.NewSessionBroadcaster(s.sessionManager)

	// 初始化RPC服务器
	if cfg.RPCAddress != "" {
		rpcServer, err := relay_rpc.NewServer(cfg.RPCAddress, s.playerService)
		if err != nil {
			return nil, err
		}
		s.rpcServer = rpcServer
	}

	return s, nil
}

// Handler serves /ws and /healthz.
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Start blocks serving HTTP until Shutdown.
func (s *RelayServer) Start() error {
	if s.rpcServer != nil {
		go s.rpcServer.Start()
	}
	if s.cfg.MetricsAddress != "" {
		s.metricsServer = s.monitor.StartServer(s.cfg.MetricsAddress)
	}

	s.httpServer = &http.Server{Addr: s.cfg.HTTPAddress, Handler: s.Handler()}
	logger.Log.Infof("Relay server listening on %s", s.cfg.HTTPAddress)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes every live session.
func (s *RelayServer) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
		if s.rpcServer != nil {
			s.rpcServer.Stop()
		}
		if s.metricsServer != nil {
			s.metricsServer.Shutdown(ctx)
		}
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		// 升级后的连接不受 http.Server 管理，需要手动关闭
		for _, sess := range s.sessionManager.All() {
			sess.Close()
		}
	})
	return err
}

func (s *RelayServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(conn)
}

func (s *RelayServer) handleConnection(conn *websocket.Conn) {
	wsConn := network.NewWSConnection(conn)
	wsConn.SetHeartbeat(s.cfg.HeartbeatInterval)
	sess := session.NewSession(uuid.New().String(), wsConn)

	select {
	case <-s.shutdownChan:
		wsConn.Close()
		return
	default:
	}

	s.sessionManager.Add(sess)
	s.monitor.IncOnlinePlayers()
	logger.Log.Infof("New connection from %s, player ID: %s", wsConn.RemoteAddr(), sess.GetID())

	done := make(chan struct{})
	defer func() {
		close(done)
		logger.Log.Infof("Connection closed from %s, player ID: %s", wsConn.RemoteAddr(), sess.GetID())
		if s.sessionManager.Remove(sess.GetID()) {
			s.monitor.DecOnlinePlayers()
		}
		wsConn.Close()
		s.broadcaster.BroadcastToAll(network.EventPlayerLeft, models.ActorPayload{PlayerID: sess.GetID()})
	}()

	if err := sess.Send(network.EventConnected, models.ConnectedPayload{Message: welcomeMessage, PlayerID: sess.GetID()}); err != nil {
		logger.Log.Warnf("Failed to greet %s: %v", sess.GetID(), err)
		return
	}
	s.broadcaster.BroadcastExcept(sess.GetID(), network.EventPlayerJoined, models.ActorPayload{PlayerID: sess.GetID()})

	go s.pingLoop(wsConn, done)

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
		}

		env, err := wsConn.ReadEnvelope()
		if err != nil {
			if network.IsDecodeError(err) {
				sess.Send(network.EventError, models.ErrorPayload{Message: err.Error()})
				continue
			}
			return
		}
		s.handleEnvelope(sess, env)
	}
}

func (s *RelayServer) pingLoop(conn *network.WSConnection, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *RelayServer) handleEnvelope(sess *session.Session, env *network.Envelope) {
	start := time.Now()
	s.monitor.IncMessagesReceived()
	sess.Touch()

	switch env.Event {
	case network.EventPlayerMove:
		s.handlePlayerMove(sess, env)
	case network.EventGetPlayers:
		sess.Send(network.EventPlayersList, models.PlayersListPayload{Players: s.playerService.ListPlayers()})
	default:
		logger.Log.Infof("Unknown event %q from %s", env.Event, sess.GetID())
	}

	s.monitor.ObserveMessageLatency(time.Since(start))
}

func (s *RelayServer) handlePlayerMove(sess *session.Session, env *network.Envelope) {
	var move models.MovePayload
	if err := env.Bind(&move); err != nil {
		sess.Send(network.EventError, models.ErrorPayload{Message: "Invalid move data: " + err.Error()})
		return
	}

	move, err := s.playerService.RecordMove(sess.GetID(), move)
	if err != nil {
		sess.Send(network.EventError, models.ErrorPayload{Message: err.Error()})
		return
	}

	if err := s.broadcaster.BroadcastToAll(network.EventPlayerMove, move); err != nil {
		logger.Log.Warnf("Broadcast move from %s: %v", sess.GetID(), err)
	}
}
