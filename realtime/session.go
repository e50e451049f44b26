package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"boardsync/domain"
	"boardsync/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// Session owns one authenticated websocket connection. Inbound frames are
// processed strictly in arrival order on the read pump goroutine; outbound
// frames pass through a buffered send channel drained by the write pump.
// The authenticated identity is set once at construction and never changes.
type Session struct {
	id        string
	user      domain.User
	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	registry  *Registry
	gateway   *Gateway
	collector *metrics.Collector
	logger    *log.Entry

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// NewSession creates a session for an already-authenticated connection.
func NewSession(conn *websocket.Conn, user domain.User, registry *Registry, gateway *Gateway, collector *metrics.Collector, logger *log.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:        id,
		user:      user,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		limiter:   rate.NewLimiter(rate.Limit(20), 40),
		registry:  registry,
		gateway:   gateway,
		collector: collector,
		logger: logger.WithFields(log.Fields{
			"session": id,
			"user":    user.ID,
		}),
	}
}

// ID returns the opaque connection id.
func (s *Session) ID() string { return s.id }

// User returns the identity resolved at connect time.
func (s *Session) User() domain.User { return s.user }

// Run starts the write pump and processes inbound frames until the transport
// disconnects. It blocks until the session is closed.
func (s *Session) Run() {
	s.collector.SessionOpened()
	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxFrameSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Errorf("set read deadline: %v", err)
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warnf("read: %v", err)
			} else {
				s.logger.Debugf("disconnected: %v", err)
			}
			return
		}

		if !s.limiter.Allow() {
			s.collector.RecordRateLimited()
			s.logger.Warn("inbound rate limit exceeded; frame discarded")
			// The frame is discarded but the origin still gets an error
			// report; the connection stays open.
			if env, err := decodeEnvelope(raw); err == nil {
				s.deliverFailure(domain.FailureEvent(env.Event), "rate limit exceeded")
			} else {
				s.deliverFailure(domain.ErrorEvent, "rate limit exceeded")
			}
			continue
		}

		s.dispatch(raw)
	}
}

// dispatch routes one inbound frame. Join and leave act on the registry
// directly; everything else goes through the mutation gateway. Persistence
// runs on a background context so an in-flight mutation is allowed to finish
// even if the transport drops mid-call.
func (s *Session) dispatch(raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		s.deliverFailure(domain.ErrorEvent, "invalid frame")
		return
	}
	s.collector.RecordEvent(env.Event)

	switch env.Event {
	case domain.BoardJoin:
		var p domain.JoinBoardPayload
		if err := decodePayload(env.Data, &p); err != nil || p.BoardID == "" {
			s.deliverFailure(domain.FailureEvent(env.Event), "boardId is required")
			return
		}
		s.registry.Join(p.BoardID, s)
		s.logger.WithField("board", p.BoardID).Debug("joined board")
	case domain.BoardLeave:
		var p domain.LeaveBoardPayload
		if err := decodePayload(env.Data, &p); err != nil || p.BoardID == "" {
			s.deliverFailure(domain.FailureEvent(env.Event), "boardId is required")
			return
		}
		s.registry.Leave(p.BoardID, s)
		s.logger.WithField("board", p.BoardID).Debug("left board")
	default:
		s.gateway.Handle(context.Background(), s, env)
	}
}

// deliver queues a frame for the write pump. It never blocks: a full or
// already-closed send buffer drops the frame, which keeps broadcast delivery
// at-most-once and shields the broadcaster from slow consumers.
func (s *Session) deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// deliverFailure reports an error to this session only.
func (s *Session) deliverFailure(event, message string) {
	frame, err := encodeFrame(event, domain.FailurePayload{Message: message})
	if err != nil {
		s.logger.Errorf("encode failure frame: %v", err)
		return
	}
	if !s.deliver(frame) {
		s.logger.WithField("event", event).Warn("failure report dropped")
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debugf("write: %v", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debugf("ping: %v", err)
				return
			}
		}
	}
}

// close tears the session down exactly once: room eviction first, then the
// send channel, then the transport.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.registry.EvictAll(s)

		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()

		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.collector.SessionClosed()
		s.logger.Debug("session closed")
	})
}
