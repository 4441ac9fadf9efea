// services/player_service.go
package services

import (
	"errors"

	"github.com/wfunc/movecast/models"
	"github.com/wfunc/movecast/session"
)

var ErrPlayerNotFound = errors.New("player not found")

// PlayerService 在线玩家查询与移动记录，数据只存在于当前会话表中
type PlayerService struct {
	sessions *session.Manager
}

func NewPlayerService(sessions *session.Manager) *PlayerService {
	return &PlayerService{sessions: sessions}
}

// ListPlayers 返回所有在线玩家，按连接先后排序
func (s *PlayerService) ListPlayers() []models.PlayerInfo {
	all := s.sessions.All()
	players := make([]models.PlayerInfo, 0, len(all))
	for _, sess := range all {
		players = append(players, sess.Info())
	}
	return players
}

func (s *PlayerService) GetPlayer(id string) (models.PlayerInfo, error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return models.PlayerInfo{}, ErrPlayerNotFound
	}
	return sess.Info(), nil
}

// RecordMove validates a move sent by sessionID and stores it as the
// player's last position. The returned payload carries the session's own id.
func (s *PlayerService) RecordMove(sessionID string, move models.MovePayload) (models.MovePayload, error) {
	if err := move.Validate(); err != nil {
		return models.MovePayload{}, err
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return models.MovePayload{}, ErrPlayerNotFound
	}

	move.PlayerID = sess.ID
	sess.SetPosition(move.X, move.Y)
	return move, nil
}
