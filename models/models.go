// models/models.go
package models

import (
	"fmt"
	"time"
)

// CoordinateLimit 坐标上界（不含），合法范围 [0, CoordinateLimit)
const CoordinateLimit = 1000

// PlayerMove 一条已接收的移动记录，创建后不可修改
type PlayerMove struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"playerId"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	ReceivedAt time.Time `json:"receivedAt"`
}

func (m PlayerMove) String() string {
	return fmt.Sprintf("(%d,%d)@%s", m.X, m.Y, m.ActorID)
}

// MovePayload player_move 事件的载荷，双向通用
type MovePayload struct {
	PlayerID string `json:"playerId"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
}

// ConnectedPayload 服务端握手确认
type ConnectedPayload struct {
	Message  string `json:"message,omitempty"`
	PlayerID string `json:"playerId"`
}

// ActorPayload player_joined / player_left 的载荷
type ActorPayload struct {
	PlayerID string `json:"playerId"`
}

// ErrorPayload 协议错误
type ErrorPayload struct {
	Message string `json:"message"`
}

// PlayerInfo 在线玩家信息（用于 players_list）
type PlayerInfo struct {
	ID         string    `json:"id"`
	X          *int      `json:"x,omitempty"`
	Y          *int      `json:"y,omitempty"`
	LastActive time.Time `json:"lastActive"`
}

// PlayersListPayload players_list 事件载荷
type PlayersListPayload struct {
	Players []PlayerInfo `json:"players"`
}
