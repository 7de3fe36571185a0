package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// Conn is the transport surface a session needs. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one connected client. The subscription set is owned by
// the hub and guarded by hub.mu; timestamps are atomics so the
// heartbeat and reap loops read them without locks.
type Session struct {
	ClientID    string
	UserID      string
	ConnectedAt time.Time

	conn          Conn
	dataQ         chan []byte
	controlQ      chan []byte
	subscriptions map[string]struct{}

	lastPong     atomic.Int64 // unix nano
	lastActivity atomic.Int64

	closeCh   chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newSession(conn Conn, clientID, userID string, queueSize int) *Session {
	now := time.Now()
	s := &Session{
		ClientID:      clientID,
		UserID:        userID,
		ConnectedAt:   now,
		conn:          conn,
		dataQ:         make(chan []byte, queueSize),
		controlQ:      make(chan []byte, 16),
		subscriptions: make(map[string]struct{}),
		closeCh:       make(chan struct{}),
	}
	s.lastPong.Store(now.UnixNano())
	s.lastActivity.Store(now.UnixNano())
	return s
}

// close is idempotent: the first call stops both pumps and closes the
// transport, unblocking the reader.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		_ = s.conn.Close()
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

func (s *Session) touchPong() {
	s.lastPong.Store(time.Now().UnixNano())
}

func (s *Session) touchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) pongAge(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastPong.Load()))
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// enqueueData offers a frame to the bounded data queue. When the queue
// is full the oldest frame is evicted to make room; the second report
// value is true when that happened. Returns false only for a closed
// session or a queue that stayed full under concurrent writers.
func (s *Session) enqueueData(frame []byte) (accepted, droppedOld bool) {
	if s.isClosed() {
		return false, false
	}
	select {
	case s.dataQ <- frame:
		return true, false
	default:
	}
	select {
	case <-s.dataQ:
		droppedOld = true
		s.dropped.Add(1)
	default:
	}
	select {
	case s.dataQ <- frame:
		return true, droppedOld
	default:
		return false, droppedOld
	}
}

// enqueueControl queues an ack, pong, stats or error frame. Control
// frames are never dropped; a full control queue means the writer is
// wedged, so the session is closed instead.
func (s *Session) enqueueControl(frame []byte) bool {
	if s.isClosed() {
		return false
	}
	select {
	case s.controlQ <- frame:
		return true
	default:
		log.Warn().Str("client_id", s.ClientID).Msg("control queue full, closing session")
		s.close()
		return false
	}
}

// writePump drains the control queue ahead of the data queue so acks
// and errors are never starved by market data.
func (s *Session) writePump() {
	for {
		select {
		case frame := <-s.controlQ:
			if !s.writeFrame(frame) {
				return
			}
			continue
		default:
		}

		select {
		case frame := <-s.controlQ:
			if !s.writeFrame(frame) {
				return
			}
		case frame := <-s.dataQ:
			if !s.writeFrame(frame) {
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) writeFrame(frame []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Debug().Err(err).Str("client_id", s.ClientID).Msg("websocket write failed")
		s.close()
		return false
	}
	return true
}
