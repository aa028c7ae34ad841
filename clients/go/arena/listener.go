package arena

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/models"
)

// ReconnectDelay is the pause before redialing after a failure.
const ReconnectDelay = 2 * time.Second

// State is the listener's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventKind classifies listener events.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventMessage      EventKind = "message"
	EventDisconnected EventKind = "disconnected"
)

// Event is emitted on every state change and for every new room message.
type Event struct {
	Kind    EventKind
	Message *models.Message
	Err     error
}

// frame is any server frame: a history or error frame, or a bare message.
type frame struct {
	Type     string           `json:"type"`
	Error    string           `json:"error"`
	Messages []models.Message `json:"messages"`
}

// Listener keeps a WebSocket subscription to one room open, reconnecting
// with a fresh session token after every drop.
type Listener struct {
	client *Client
	roomID string
	delay  time.Duration
	events chan Event
	logger zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewListener creates a listener for roomID.
func NewListener(client *Client, roomID string, logger zerolog.Logger) *Listener {
	return &Listener{
		client: client,
		roomID: roomID,
		delay:  ReconnectDelay,
		events: make(chan Event, 64),
		logger: logger.With().Str("component", "listener").Str("room_id", roomID).Logger(),
	}
}

// Events returns the event channel. It is closed when Run returns.
func (l *Listener) Events() <-chan Event {
	return l.events
}

// State returns the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Listener) emit(ctx context.Context, ev Event) {
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

// Run connects and reconnects until ctx is done.
func (l *Listener) Run(ctx context.Context) {
	defer close(l.events)
	defer l.setState(StateDisconnected)

	for {
		l.setState(StateConnecting)
		err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		l.setState(StateDisconnected)
		l.logger.Debug().Err(err).Msg("websocket disconnected")
		l.emit(ctx, Event{Kind: EventDisconnected, Err: err})

		t := time.NewTimer(l.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session runs one connection from token request to drop.
func (l *Listener) session(ctx context.Context) error {
	sess, err := l.client.WsToken(ctx, l.roomID)
	if err != nil {
		return err
	}
	target, err := l.client.wsURL(l.roomID, sess.Token)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	l.setState(StateConnected)
	l.logger.Debug().Str("identity", sess.Identity).Msg("websocket connected")
	l.emit(ctx, Event{Kind: EventConnected})

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case "history":
			continue
		case "error":
			l.logger.Warn().Str("error", f.Error).Msg("server rejected frame")
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Seq == 0 {
			continue
		}
		l.emit(ctx, Event{Kind: EventMessage, Message: &msg})
	}
}
