// session/session.go
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/wfunc/movecast/models"
	"github.com/wfunc/movecast/network"
)

// Session 一个已连接的对端，ID 即下发给客户端的 playerId
type Session struct {
	ID         string
	Conn       network.Connection
	CreatedAt  time.Time
	LastActive time.Time
	x, y       *int // 最近一次合法移动的位置
	mutex      sync.RWMutex
}

func NewSession(id string, conn network.Connection) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		Conn:       conn,
		CreatedAt:  now,
		LastActive: now,
	}
}

func (s *Session) Send(event string, payload interface{}) error {
	return s.Conn.Send(event, payload)
}

// Touch marks the session active now.
func (s *Session) Touch() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.LastActive = time.Now()
}

// SetPosition records the last accepted move.
func (s *Session) SetPosition(x, y int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.x, s.y = &x, &y
	s.LastActive = time.Now()
}

// Info returns a snapshot suitable for players_list.
func (s *Session) Info() models.PlayerInfo {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	info := models.PlayerInfo{ID: s.ID, LastActive: s.LastActive}
	if s.x != nil {
		x, y := *s.x, *s.y
		info.X, info.Y = &x, &y
	}
	return info
}

func (s *Session) GetID() string {
	return s.ID
}

func (s *Session) Close() error {
	return s.Conn.Close()
}

// Session管理器
type Manager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[session.ID] = session
}

// Remove reports whether the session was registered.
func (m *Manager) Remove(sessionID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	return ok
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

// All returns the registered sessions ordered by creation time.
func (m *Manager) All() []*Session {
	m.mutex.RLock()
	result := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		result = append(result, session)
	}
	m.mutex.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}
