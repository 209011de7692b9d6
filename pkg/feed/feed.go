// Package feed runs reconnecting WebSocket streams. Callers supply the
// subscribe message and a decoder from raw frames to typed messages; the feed
// owns connection state, heartbeats and backoff. The same machinery serves
// venue quote streams and the draft event stream.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Decoder turns one raw frame into zero or more messages. Returning an empty
// slice skips the frame (heartbeats, acks); an error is logged and the frame
// dropped.
type Decoder[T any] func(data []byte) ([]T, error)

// Config holds stream settings.
type Config struct {
	URL     string
	Headers map[string]string

	// SubscribeMsg is JSON-marshalled and sent after every (re)connect.
	SubscribeMsg any

	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
}

// DefaultConfig returns a config with production defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectMinDelay: 1 * time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
	}
}

// Stream is one reconnecting message stream.
type Stream[T any] struct {
	config Config
	decode Decoder[T]

	conn   *websocket.Conn
	connMu sync.RWMutex
	state  int32 // atomic State

	// OnError, if set, receives connection and decode errors.
	OnError func(err error)
	// OnStateChange, if set, observes transitions.
	OnStateChange func(old, new State)
}

// NewStream creates a stream. Run starts it.
func NewStream[T any](config Config, decode Decoder[T]) *Stream[T] {
	return &Stream[T]{config: config, decode: decode}
}

// State returns the current connection state.
func (s *Stream[T]) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Stream[T]) setState(st State) {
	old := State(atomic.SwapInt32(&s.state, int32(st)))
	if old != st && s.OnStateChange != nil {
		s.OnStateChange(old, st)
	}
}

// Run connects and pumps decoded messages onto out until ctx is cancelled.
// Reconnects with exponential backoff on every drop. Always returns ctx's
// error once cancelled.
func (s *Stream[T]) Run(ctx context.Context, out chan<- T) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			s.setState(StateClosed)
			return err
		}

		err := s.connectAndPump(ctx, out)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.setState(StateClosed)
			return ctx.Err()
		}
		if err != nil {
			s.report(err)
		}

		attempts++
		s.setState(StateReconnecting)
		delay := s.config.ReconnectMinDelay * time.Duration(1<<uint(min(attempts-1, 10)))
		if delay > s.config.ReconnectMaxDelay {
			delay = s.config.ReconnectMaxDelay
		}
		select {
		case <-ctx.Done():
			s.setState(StateClosed)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectAndPump runs one connection lifetime.
func (s *Stream[T]) connectAndPump(ctx context.Context, out chan<- T) error {
	s.setState(StateConnecting)

	headers := make(map[string][]string, len(s.config.Headers))
	for k, v := range s.config.Headers {
		headers[k] = []string{v}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.config.URL, headers)
	cancel()
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("dial %s: %w", s.config.URL, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer conn.Close()

	s.setState(StateConnected)

	if s.config.SubscribeMsg != nil {
		conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if err := conn.WriteJSON(s.config.SubscribeMsg); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if s.config.HeartbeatInterval > 0 {
		go s.heartbeatLoop(done, conn)
	}

	for {
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("server closed stream")
			}
			return fmt.Errorf("read: %w", err)
		}

		msgs, err := s.decode(data)
		if err != nil {
			s.report(fmt.Errorf("decode frame: %w", err))
			continue
		}
		for _, m := range msgs {
			select {
			case out <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Stream[T]) heartbeatLoop(done <-chan struct{}, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.report(fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

func (s *Stream[T]) report(err error) {
	if s.OnError != nil {
		s.OnError(err)
		return
	}
	log.Printf("[FEED] %v", err)
}
