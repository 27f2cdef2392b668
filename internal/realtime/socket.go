package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// ErrConnectionClosed is returned by Deliver once the socket is closing.
var ErrConnectionClosed = errors.New("connection closed")

// outbound is one buffered frame. written, when set, receives the result of
// the network write.
type outbound struct {
	event   realtime.OutboundEvent
	written chan error
}

type closeRequest struct {
	code   int
	reason string
}

// socket is the registry.Handle of one WebSocket connection. The writer
// goroutine is the only one writing data frames.
type socket struct {
	id       string
	identity realtime.Identity
	conn     *websocket.Conn
	cfg      Config
	logger   zerolog.Logger

	send    chan outbound
	closing chan closeRequest

	mu         sync.Mutex
	closeAsked bool
	done       chan struct{}
	doneOnce   sync.Once
}

func newSocket(id string, identity realtime.Identity, conn *websocket.Conn, cfg Config, logger zerolog.Logger) *socket {
	return &socket{
		id:       id,
		identity: identity,
		conn:     conn,
		cfg:      cfg,
		logger:   logger,
		send:     make(chan outbound, cfg.SendBuffer),
		closing:  make(chan closeRequest, 1),
		done:     make(chan struct{}),
	}
}

func (s *socket) ID() string                  { return s.id }
func (s *socket) Identity() realtime.Identity { return s.identity }

// Deliver blocks until the writer has put the event on the wire, ctx ends
// or the socket closes. A nil return means the frame was written.
func (s *socket) Deliver(ctx context.Context, event realtime.OutboundEvent) error {
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}
	written := make(chan error, 1)
	select {
	case s.send <- outbound{event: event, written: written}:
	case <-s.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-written:
		return err
	case <-s.done:
		// The writer may have finished just before the teardown.
		select {
		case err := <-written:
			return err
		default:
			return ErrConnectionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryDeliver buffers the event if there is room.
func (s *socket) TryDeliver(event realtime.OutboundEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- outbound{event: event}:
		return true
	default:
		return false
	}
}

// Close asks the writer to flush buffered frames and send a close frame.
// A second call tears the connection down at once.
func (s *socket) Close(code int, reason string) {
	s.mu.Lock()
	asked := s.closeAsked
	s.closeAsked = true
	s.mu.Unlock()

	if !asked {
		select {
		case s.closing <- closeRequest{code: code, reason: reason}:
		default:
		}
		return
	}
	s.terminate()
}

// terminate closes the network connection so both pumps exit.
func (s *socket) terminate() {
	s.doneOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// writePump writes buffered events and keepalive pings until the socket
// terminates.
func (s *socket) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case out := <-s.send:
			if err := s.write(out); err != nil {
				s.logger.Debug().Err(err).Msg("Write failed. Closing connection.")
				s.terminate()
				return
			}
		case req := <-s.closing:
			s.flush()
			s.writeClose(req.code, req.reason)
			// Give the peer a moment to answer the close frame.
			select {
			case <-s.done:
			case <-time.After(s.cfg.WriteWait):
				s.terminate()
			}
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.terminate()
				return
			}
		}
	}
}

// write puts one frame on the wire and acknowledges it to a waiting Deliver.
func (s *socket) write(out outbound) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	err := s.conn.WriteJSON(out.event)
	if out.written != nil {
		if err != nil {
			out.written <- ErrConnectionClosed
		} else {
			out.written <- nil
		}
	}
	return err
}

// flush writes whatever is already buffered.
func (s *socket) flush() {
	for {
		select {
		case out := <-s.send:
			if err := s.write(out); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *socket) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
}
