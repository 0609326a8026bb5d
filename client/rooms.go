package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/xraph/switchboard/gateway"
)

// JoinRoom adds the session to room. Joined rooms are rejoined after a
// reconnect.
func (c *Client) JoinRoom(ctx context.Context, room string) (*gateway.JoinAck, error) {
	ack, err := c.roomRequest(ctx, gateway.MethodJoinRoom, room)
	if err != nil {
		return ack, err
	}
	c.rooms.Store(room, struct{}{})
	return ack, nil
}

// LeaveRoom removes the session from room.
func (c *Client) LeaveRoom(ctx context.Context, room string) (*gateway.JoinAck, error) {
	c.rooms.Delete(room)
	return c.roomRequest(ctx, gateway.MethodLeaveRoom, room)
}

// Events delivers outgoing_event pushes: worker replies, broadcasts, and
// room messages. Events are dropped when the channel is full. It is
// closed when the connection ends.
func (c *Client) Events() <-chan *Event { return c.events }

func (c *Client) roomRequest(ctx context.Context, method, room string) (*gateway.JoinAck, error) {
	resp, err := c.request(ctx, method, gateway.RoomRequest{Room: room})
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", method, room, err)
	}
	var ack gateway.JoinAck
	if err := json.Unmarshal(resp.Data, &ack); err != nil {
		return nil, fmt.Errorf("decode room ack: %w", err)
	}
	if ack.Status != gateway.StatusOK {
		return &ack, &Error{Code: "ROOM", Message: ack.Message}
	}
	return &ack, nil
}

func (c *Client) rejoin() {
	c.rooms.Range(func(key, _ any) bool {
		room := key.(string) //nolint:errcheck // rooms map always stores string keys
		if _, err := c.roomRequest(c.ctx, gateway.MethodJoinRoom, room); err != nil {
			c.logger.Warn("gateway client rejoin failed",
				slog.String("room", room),
				slog.String("error", err.Error()),
			)
		}
		return true
	})
}
