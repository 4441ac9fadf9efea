// broadcast/broadcast.go
package broadcast

import (
	"errors"
	"fmt"

	"github.com/wfunc/movecast/logger"
	"github.com/wfunc/movecast/session"
)

var (
	ErrSessionNotFound = errors.New("session not found")
)

// 广播接口
type Broadcaster interface {
	BroadcastToAll(event string, payload interface{}) error
	BroadcastExcept(excludeID string, event string, payload interface{}) error
	SendTo(sessionID string, event string, payload interface{}) error
}

// 基于会话表的广播器
type SessionBroadcaster struct {
	sessionManager *session.Manager
}

func NewSessionBroadcaster(sessionManager *session.Manager) *SessionBroadcaster {
	return &SessionBroadcaster{sessionManager: sessionManager}
}

func (b *SessionBroadcaster) BroadcastToAll(event string, payload interface{}) error {
	return b.BroadcastExcept("", event, payload)
}

// BroadcastExcept sends to every session but excludeID. A failed send does
// not stop delivery to the rest; the failures are joined into the result.
func (b *SessionBroadcaster) BroadcastExcept(excludeID string, event string, payload interface{}) error {
	var errs []error
	for _, s := range b.sessionManager.All() {
		if s.ID == excludeID {
			continue
		}
		if err := s.Send(event, payload); err != nil {
			// 发送失败的连接由其读循环负责清理
			logger.Log.Debugf("broadcast %s to %s: %v", event, s.ID, err)
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (b *SessionBroadcaster) SendTo(sessionID string, event string, payload interface{}) error {
	s, ok := b.sessionManager.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s.Send(event, payload)
}
