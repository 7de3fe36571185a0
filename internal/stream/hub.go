package stream

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/chronoretrace/internal/config"
)

// Recorder receives hub gauge updates. The monitor satisfies it; a nil
// recorder disables reporting.
type Recorder interface {
	SetActiveSessions(n int)
	SetActiveTopics(n int)
	RecordDroppedFrame()
}

// Broadcaster is the narrow fan-out surface publishers depend on.
type Broadcaster interface {
	BroadcastToTopic(topic string, payload any) int
}

// HubStats is a point-in-time snapshot of hub activity.
type HubStats struct {
	ActiveSessions   int    `json:"active_sessions"`
	ActiveTopics     int    `json:"active_topics"`
	TotalConnections uint64 `json:"total_connections"`
	MessagesSent     uint64 `json:"messages_sent"`
	DroppedFrames    uint64 `json:"dropped_frames"`
}

// Hub owns every session and the topic index. The two structures move
// together under one mutex: a topic appears in a session's set exactly
// when the session appears in that topic's subscriber map.
type Hub struct {
	cfg      config.StreamConfig
	recorder Recorder

	mu       sync.RWMutex
	sessions map[string]*Session
	topics   map[string]map[string]*Session

	totalConnections atomic.Uint64
	messagesSent     atomic.Uint64
	droppedFrames    atomic.Uint64

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewHub builds a hub; call Start to run the heartbeat and idle
// reaper, Close to tear everything down.
func NewHub(cfg config.StreamConfig, recorder Recorder) *Hub {
	return &Hub{
		cfg:      cfg,
		recorder: recorder,
		sessions: make(map[string]*Session),
		topics:   make(map[string]map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the heartbeat and idle-reap loops. Call once.
func (h *Hub) Start() {
	go h.heartbeatLoop()
	go h.reapLoop()
}

// Close stops the background loops and disconnects every session.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.stopCh)
	})
	for _, s := range h.snapshotSessions() {
		h.Disconnect(s.ClientID)
	}
}

// Register admits a new client. Duplicate client ids are rejected; the
// caller keeps ownership of conn until Register succeeds.
func (h *Hub) Register(conn Conn, clientID, userID string) (*Session, error) {
	if clientID == "" {
		return nil, fmt.Errorf("stream: client id is required")
	}

	s := newSession(conn, clientID, userID, h.cfg.SendQueueSize)

	h.mu.Lock()
	if _, exists := h.sessions[clientID]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("stream: client %q already connected", clientID)
	}
	h.sessions[clientID] = s
	count := len(h.sessions)
	h.mu.Unlock()

	h.totalConnections.Add(1)
	h.setSessionGauge(count)

	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	pongWait := h.cfg.GetHeartbeatTimeout()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		s.touchPong()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.writePump()
	go h.readPump(s)

	ack := Frame{Type: TypeConnectionAck, ClientID: clientID, Timestamp: time.Now().UTC()}
	h.sendControl(s, ack)

	log.Info().Str("client_id", clientID).Str("user_id", userID).Msg("websocket client connected")
	return s, nil
}

// Disconnect removes a session and all its subscriptions. Safe to call
// any number of times and from any goroutine.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	s, ok := h.sessions[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, clientID)
	for topic := range s.subscriptions {
		h.dropSubscriberLocked(topic, clientID)
	}
	sessionCount := len(h.sessions)
	topicCount := len(h.topics)
	h.mu.Unlock()

	s.close()
	h.setSessionGauge(sessionCount)
	h.setTopicGauge(topicCount)
	log.Info().Str("client_id", clientID).Msg("websocket client disconnected")
}

// Subscribe adds the session to a topic, creating the topic on first
// subscriber.
func (h *Hub) Subscribe(clientID, topic string) error {
	if topic == "" {
		return fmt.Errorf("stream: topic is required")
	}
	h.mu.Lock()
	s, ok := h.sessions[clientID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("stream: unknown client %q", clientID)
	}
	s.subscriptions[topic] = struct{}{}
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[string]*Session)
		h.topics[topic] = subs
	}
	subs[clientID] = s
	topicCount := len(h.topics)
	h.mu.Unlock()

	h.setTopicGauge(topicCount)
	return nil
}

// Unsubscribe removes the session from a topic, deleting the topic
// with its last subscriber. Unknown topics are a no-op.
func (h *Hub) Unsubscribe(clientID, topic string) error {
	h.mu.Lock()
	s, ok := h.sessions[clientID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("stream: unknown client %q", clientID)
	}
	delete(s.subscriptions, topic)
	h.dropSubscriberLocked(topic, clientID)
	topicCount := len(h.topics)
	h.mu.Unlock()

	h.setTopicGauge(topicCount)
	return nil
}

// dropSubscriberLocked removes clientID from one topic's subscriber
// map. Caller holds h.mu.
func (h *Hub) dropSubscriberLocked(topic, clientID string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// SendToClient delivers one data frame to one client. Returns false
// when the client is gone or its queue rejected the frame.
func (h *Hub) SendToClient(clientID string, payload any) bool {
	h.mu.RLock()
	s, ok := h.sessions[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	raw, err := json.Marshal(Frame{Type: TypeData, Payload: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("marshal data frame")
		return false
	}
	accepted, droppedOld := s.enqueueData(raw)
	if droppedOld {
		h.recordDrop(1)
	}
	if accepted {
		h.messagesSent.Add(1)
	}
	return accepted
}

// BroadcastToTopic fans a payload out to every subscriber of topic.
// The frame is stamped and marshalled once; enqueueing happens outside
// the lock so a slow client never blocks the hub. Returns the number
// of sessions that accepted the frame.
func (h *Hub) BroadcastToTopic(topic string, payload any) int {
	raw, err := json.Marshal(Frame{
		Type:      TypeData,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("marshal broadcast frame")
		return 0
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.topics[topic]))
	for _, s := range h.topics[topic] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	accepted := 0
	dropped := uint64(0)
	for _, s := range targets {
		ok, droppedOld := s.enqueueData(raw)
		if ok {
			accepted++
		}
		if droppedOld {
			dropped++
		}
	}
	if dropped > 0 {
		h.recordDrop(dropped)
	}
	h.messagesSent.Add(uint64(accepted))
	return accepted
}

// CleanupInactive disconnects sessions idle past the configured
// threshold and returns how many were removed.
func (h *Hub) CleanupInactive() int {
	threshold := h.cfg.GetIdleThreshold()
	now := time.Now()

	var stale []string
	for _, s := range h.snapshotSessions() {
		if s.idleFor(now) > threshold {
			stale = append(stale, s.ClientID)
		}
	}
	for _, id := range stale {
		log.Info().Str("client_id", id).Dur("threshold", threshold).Msg("reaping idle websocket client")
		h.Disconnect(id)
	}
	return len(stale)
}

// Stats snapshots hub activity.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	sessions := len(h.sessions)
	topics := len(h.topics)
	h.mu.RUnlock()
	return HubStats{
		ActiveSessions:   sessions,
		ActiveTopics:     topics,
		TotalConnections: h.totalConnections.Load(),
		MessagesSent:     h.messagesSent.Load(),
		DroppedFrames:    h.droppedFrames.Load(),
	}
}

// readPump owns the transport read side for one session and feeds the
// message handler. Any read error ends the session.
func (h *Hub) readPump(s *Session) {
	defer h.Disconnect(s.ClientID)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("client_id", s.ClientID).Msg("websocket read failed")
			}
			return
		}
		s.touchActivity()
		h.handleMessage(s, data)
	}
}

// handleMessage dispatches one inbound frame. Protocol violations get
// an error frame back; the session stays up.
func (h *Hub) handleMessage(s *Session, raw []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendControl(s, errorFrame(ErrCodeInvalidJSON, "malformed JSON frame"))
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		if msg.Topic == "" {
			h.sendControl(s, errorFrame(ErrCodeInvalidTopic, "subscribe requires a topic"))
			return
		}
		if err := h.Subscribe(s.ClientID, msg.Topic); err != nil {
			return // session raced a disconnect; nothing to ack
		}
		h.sendControl(s, ackFrame(TypeSubscribeAck, msg.Topic))

	case TypeUnsubscribe:
		if msg.Topic == "" {
			h.sendControl(s, errorFrame(ErrCodeInvalidTopic, "unsubscribe requires a topic"))
			return
		}
		if err := h.Unsubscribe(s.ClientID, msg.Topic); err != nil {
			return
		}
		h.sendControl(s, ackFrame(TypeUnsubscribeAck, msg.Topic))

	case TypePing:
		h.sendControl(s, Frame{Type: TypePong, Timestamp: time.Now().UTC()})

	case TypeGetStats:
		h.sendControl(s, Frame{Type: TypeStats, Payload: h.sessionStats(s), Timestamp: time.Now().UTC()})

	default:
		h.sendControl(s, errorFrame(ErrCodeUnknownMessageType, fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

// SessionStats is the get_stats payload.
type SessionStats struct {
	Hub           HubStats  `json:"hub"`
	Subscriptions []string  `json:"subscriptions"`
	ConnectedAt   time.Time `json:"connected_at"`
	DroppedFrames uint64    `json:"dropped_frames"`
}

func (h *Hub) sessionStats(s *Session) SessionStats {
	h.mu.RLock()
	topics := make([]string, 0, len(s.subscriptions))
	for t := range s.subscriptions {
		topics = append(topics, t)
	}
	h.mu.RUnlock()
	sort.Strings(topics)

	// h.mu must not be held here: Stats acquires it again.
	return SessionStats{
		Hub:           h.Stats(),
		Subscriptions: topics,
		ConnectedAt:   s.ConnectedAt,
		DroppedFrames: s.dropped.Load(),
	}
}

func (h *Hub) sendControl(s *Session, f Frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("type", string(f.Type)).Msg("marshal control frame")
		return
	}
	s.enqueueControl(raw)
}

func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.cfg.GetHeartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.pingSessions()
		case <-h.stopCh:
			return
		}
	}
}

// pingSessions sends a ping control frame to every session and drops
// the ones whose last pong is past the timeout. WriteControl is safe
// to call concurrently with the writer pump.
func (h *Hub) pingSessions() {
	timeout := h.cfg.GetHeartbeatTimeout()
	now := time.Now()
	for _, s := range h.snapshotSessions() {
		if s.pongAge(now) > timeout {
			log.Info().Str("client_id", s.ClientID).Msg("heartbeat timeout, disconnecting")
			h.Disconnect(s.ClientID)
			continue
		}
		if err := s.conn.WriteControl(websocket.PingMessage, nil, now.Add(writeWait)); err != nil {
			log.Debug().Err(err).Str("client_id", s.ClientID).Msg("ping failed, disconnecting")
			h.Disconnect(s.ClientID)
		}
	}
}

func (h *Hub) reapLoop() {
	ticker := time.NewTicker(h.cfg.GetReapInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CleanupInactive()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) snapshotSessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *Hub) setSessionGauge(n int) {
	if h.recorder != nil {
		h.recorder.SetActiveSessions(n)
	}
}

func (h *Hub) setTopicGauge(n int) {
	if h.recorder != nil {
		h.recorder.SetActiveTopics(n)
	}
}

func (h *Hub) recordDrop(n uint64) {
	h.droppedFrames.Add(n)
	if h.recorder != nil {
		for i := uint64(0); i < n; i++ {
			h.recorder.RecordDroppedFrame()
		}
	}
}
