package services

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/movecast/models"
	"github.com/wfunc/movecast/network"
	"github.com/wfunc/movecast/session"
)

type MockConnection struct{}

func (m *MockConnection) Send(event string, payload interface{}) error { return nil }
func (m *MockConnection) Close() error                                 { return nil }
func (m *MockConnection) RemoteAddr() net.Addr                         { return &net.TCPAddr{} }
func (m *MockConnection) SetHeartbeat(interval time.Duration)          {}
func (m *MockConnection) ReadEnvelope() (*network.Envelope, error)     { return nil, nil }

func TestPlayerService_RecordMove(t *testing.T) {
	sessions := session.NewManager()
	sessions.Add(session.NewSession("p1", &MockConnection{}))
	svc := NewPlayerService(sessions)

	move, err := svc.RecordMove("p1", models.MovePayload{PlayerID: "spoofed", X: 5, Y: 6})
	require.NoError(t, err)
	assert.Equal(t, models.MovePayload{PlayerID: "p1", X: 5, Y: 6}, move)

	info, err := svc.GetPlayer("p1")
	require.NoError(t, err)
	require.NotNil(t, info.X)
	assert.Equal(t, 5, *info.X)
	assert.Equal(t, 6, *info.Y)
}

func TestPlayerService_RecordMoveInvalid(t *testing.T) {
	sessions := session.NewManager()
	sessions.Add(session.NewSession("p1", &MockConnection{}))
	svc := NewPlayerService(sessions)

	tests := []models.MovePayload{
		{X: 1, Y: 1},
		{PlayerID: "p1", X: -1, Y: 1},
		{PlayerID: "p1", X: 1, Y: 1000},
	}
	for _, move := range tests {
		_, err := svc.RecordMove("p1", move)
		var verr *models.ValidationError
		assert.True(t, errors.As(err, &verr), "%+v", move)
	}

	info, _ := svc.GetPlayer("p1")
	assert.Nil(t, info.X)

	_, err := svc.RecordMove("ghost", models.MovePayload{PlayerID: "ghost", X: 1, Y: 1})
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}

func TestPlayerService_ListPlayers(t *testing.T) {
	sessions := session.NewManager()
	svc := NewPlayerService(sessions)
	assert.Empty(t, svc.ListPlayers())

	a := session.NewSession("a", &MockConnection{})
	b := session.NewSession("b", &MockConnection{})
	b.CreatedAt = a.CreatedAt.Add(time.Millisecond)
	sessions.Add(b)
	sessions.Add(a)

	players := svc.ListPlayers()
	require.Len(t, players, 2)
	assert.Equal(t, "a", players[0].ID)
	assert.Equal(t, "b", players[1].ID)

	_, err := svc.GetPlayer("c")
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}
