package session

import (
	"net"
	"testing"
	"time"

	"github.com/wfunc/movecast/network"
)

// MockConnection is a test double for the network.Connection interface.
type MockConnection struct {
	sent   []string
	closed bool
}

func (m *MockConnection) Send(event string, payload interface{}) error {
	m.sent = append(m.sent, event)
	return nil
}
func (m *MockConnection) Close() error                        { m.closed = true; return nil }
func (m *MockConnection) RemoteAddr() net.Addr                { return &net.TCPAddr{} }
func (m *MockConnection) SetHeartbeat(interval time.Duration) {}
func (m *MockConnection) ReadEnvelope() (*network.Envelope, error) {
	return nil, nil
}

func TestNewManager(t *testing.T) {
	manager := NewManager()
	if manager == nil {
		t.Fatal("NewManager should not return nil")
	}
	if manager.sessions == nil {
		t.Fatal("NewManager should initialize the sessions map")
	}
}

func TestManager_Add_Get_Remove(t *testing.T) {
	manager := NewManager()
	sessionID := "test_session_1"
	sess := NewSession(sessionID, &MockConnection{})

	// Test Add
	manager.Add(sess)
	if manager.Count() != 1 {
		t.Fatalf("Expected session count to be 1, got %d", manager.Count())
	}

	// Test Get
	retrievedSess, exists := manager.Get(sessionID)
	if !exists {
		t.Fatal("Get should find the added session")
	}
	if retrievedSess != sess {
		t.Fatal("Get should return the same session instance")
	}

	// Test Remove
	if !manager.Remove(sessionID) {
		t.Fatal("Remove should report the session as registered")
	}
	if manager.Count() != 0 {
		t.Fatalf("Expected session count to be 0 after removal, got %d", manager.Count())
	}
	if manager.Remove(sessionID) {
		t.Fatal("second Remove should report false")
	}

	_, exists = manager.Get(sessionID)
	if exists {
		t.Fatal("Get should not find the removed session")
	}
}

func TestManager_All(t *testing.T) {
	manager := NewManager()
	first := NewSession("b", &MockConnection{})
	second := NewSession("a", &MockConnection{})
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)
	manager.Add(second)
	manager.Add(first)

	all := manager.All()
	if len(all) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(all))
	}
	if all[0] != first || all[1] != second {
		t.Fatal("All should order sessions by creation time")
	}
}

func TestSession_Info(t *testing.T) {
	sess := NewSession("p1", &MockConnection{})

	info := sess.Info()
	if info.ID != "p1" || info.X != nil || info.Y != nil {
		t.Fatalf("unexpected info before any move: %+v", info)
	}

	sess.SetPosition(3, 4)
	info = sess.Info()
	if info.X == nil || *info.X != 3 || *info.Y != 4 {
		t.Fatalf("unexpected position: %+v", info)
	}

	// the snapshot does not alias session state
	*info.X = 99
	if *sess.Info().X != 3 {
		t.Fatal("Info should return a copy of the position")
	}
}

func TestSession_SendClose(t *testing.T) {
	conn := &MockConnection{}
	sess := NewSession("p1", conn)

	if err := sess.Send(network.EventConnected, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(conn.sent) != 1 || conn.sent[0] != network.EventConnected {
		t.Fatalf("unexpected sends: %v", conn.sent)
	}
	sess.Close()
	if !conn.closed {
		t.Fatal("Close should close the connection")
	}
}
