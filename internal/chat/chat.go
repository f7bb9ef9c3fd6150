// Package chat is the hub application served by gohub: a chat room with
// direct messages and named groups.
package chat

import (
	"errors"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gohub/internal/hub"
)

// Server methods.
const (
	MethodSendMessage      = "SendMessage"
	MethodSendToConnection = "SendToConnection"
	MethodJoinGroup        = "JoinGroup"
	MethodLeaveGroup       = "LeaveGroup"
	MethodSendToGroup      = "SendToGroup"
	MethodMessageCount     = "MessageCount"
)

// Client methods invoked by the room.
const (
	ClientReceiveMessage = "ReceiveMessage"
	ClientUserJoined     = "UserJoined"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrEmptyGroup   = errors.New("group name is empty")
)

// Room is the state shared by every chat handler.
type Room struct {
	messages atomic.Int64
	log      zerolog.Logger
}

// NewRoom creates an empty room.
func NewRoom(log zerolog.Logger) *Room {
	return &Room{log: log.With().Str("component", "chat").Logger()}
}

// MessageCount returns the number of messages relayed so far.
func (r *Room) MessageCount() int64 {
	return r.messages.Load()
}

// Register installs the room's methods on router.
func Register(router *hub.Router, room *Room) error {
	methods := []struct {
		name   string
		fn     hub.HandlerFunc
		params []hub.ParamKind
	}{
		{MethodSendMessage, room.sendMessage, []hub.ParamKind{hub.String, hub.String}},
		{MethodSendToConnection, room.sendToConnection, []hub.ParamKind{hub.String, hub.String, hub.String}},
		{MethodJoinGroup, room.joinGroup, []hub.ParamKind{hub.String}},
		{MethodLeaveGroup, room.leaveGroup, []hub.ParamKind{hub.String}},
		{MethodSendToGroup, room.sendToGroup, []hub.ParamKind{hub.String, hub.String, hub.String}},
		{MethodMessageCount, room.messageCount, nil},
	}
	for _, m := range methods {
		if err := router.Register(m.name, m.fn, m.params...); err != nil {
			return err
		}
	}
	return nil
}

func (r *Room) sendMessage(call *hub.Call) (any, error) {
	user, message := call.StringArg(0), call.StringArg(1)
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	if err := call.Clients.BroadcastAll(ClientReceiveMessage, user, message); err != nil {
		return nil, err
	}
	r.messages.Add(1)
	r.log.Debug().Str("conn", call.Caller).Str("user", user).Msg("Message relayed to all sessions")
	return nil, nil
}

// sendToConnection reports whether the target was connected when the call
// was dispatched.
func (r *Room) sendToConnection(call *hub.Call) (any, error) {
	target, user, message := call.StringArg(0), call.StringArg(1), call.StringArg(2)
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}
	if !slices.Contains(call.Connections, target) {
		return false, nil
	}

	if err := call.Clients.BroadcastTo(target, ClientReceiveMessage, user, message); err != nil {
		return nil, err
	}
	r.messages.Add(1)
	return true, nil
}

func (r *Room) joinGroup(call *hub.Call) (any, error) {
	group := strings.TrimSpace(call.StringArg(0))
	if !call.Groups.Add(group, call.Caller) {
		return nil, ErrEmptyGroup
	}

	r.log.Debug().Str("conn", call.Caller).Str("group", group).Msg("Joined group")
	return nil, call.Clients.BroadcastGroup(group, ClientUserJoined, group, call.Caller)
}

func (r *Room) leaveGroup(call *hub.Call) (any, error) {
	group := strings.TrimSpace(call.StringArg(0))
	if group == "" {
		return nil, ErrEmptyGroup
	}
	call.Groups.Remove(group, call.Caller)
	return nil, nil
}

func (r *Room) sendToGroup(call *hub.Call) (any, error) {
	group, user, message := strings.TrimSpace(call.StringArg(0)), call.StringArg(1), call.StringArg(2)
	if group == "" {
		return nil, ErrEmptyGroup
	}
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	if err := call.Clients.BroadcastGroup(group, ClientReceiveMessage, user, message); err != nil {
		return nil, err
	}
	r.messages.Add(1)
	return nil, nil
}

func (r *Room) messageCount(*hub.Call) (any, error) {
	return r.MessageCount(), nil
}
