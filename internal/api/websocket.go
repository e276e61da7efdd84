package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perp-paper-trader/internal/events"
	"perp-paper-trader/internal/logging"
	"perp-paper-trader/internal/sim"
)

const (
	rawPushInterval  = 200 * time.Millisecond
	sendTimeout      = 2 * time.Second
	streamQueueSize  = 256
	maxPendingFrames = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// channelKind selects the backpressure policy of a subscriber.
type channelKind int

const (
	kindStatus channelKind = iota // latest-wins
	kindStream                    // bounded queue, drop oldest
)

// subscriber is one WebSocket session with its own bounded queue and
// writer goroutine. A send that exceeds the timeout closes only this
// subscriber.
type subscriber struct {
	id    string
	kind  channelKind
	conn  *websocket.Conn
	queue chan []byte
	once  sync.Once
	hub   *Hub
}

func (s *subscriber) enqueue(frame []byte) {
	switch s.kind {
	case kindStatus:
		// Latest wins: drop the queued frame, keep the new one.
		for {
			select {
			case s.queue <- frame:
				return
			default:
				select {
				case <-s.queue:
				default:
				}
			}
		}
	case kindStream:
		for {
			select {
			case s.queue <- frame:
				return
			default:
				// Full: drop the oldest frame.
				select {
				case <-s.queue:
				default:
				}
			}
		}
	}
}

func (s *subscriber) writePump() {
	defer s.close()
	for frame := range s.queue {
		s.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.hub.log.Debug().Err(err).Str("subscriber", s.id).Msg("subscriber write failed")
			return
		}
	}
}

func (s *subscriber) readPump() {
	defer s.close()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.hub.unregister(s)
		s.conn.Close()
	})
}

// streamEntry is one pending stream frame for a strategy.
type streamEntry struct {
	TS       int64                `json:"ts"`
	Strategy string               `json:"strategy"`
	Data     events.StreamPayload `json:"data"`
}

// Hub fans account status and the live stream out to WebSocket
// subscribers. Producers publish through the event bus; the hub coalesces
// at the configured cadence ("raw" maps to a 200 ms publish tick) and each
// subscriber consumes through its own bounded queue.
type Hub struct {
	push time.Duration

	mu           sync.Mutex
	statusLatest map[string]sim.AccountView
	statusDirty  bool
	pending      []streamEntry

	subsMu sync.Mutex
	subs   map[*subscriber]struct{}

	log zerolog.Logger
}

// NewHub builds the hub and subscribes it to the bus. pushInterval is
// "raw" or an integer second count.
func NewHub(bus *events.Bus, pushInterval string) *Hub {
	h := &Hub{
		push:         rawPushInterval,
		statusLatest: make(map[string]sim.AccountView),
		subs:         make(map[*subscriber]struct{}),
		log:          logging.Component("hub"),
	}
	if pushInterval != "raw" {
		if secs, err := strconv.Atoi(pushInterval); err == nil && secs > 0 {
			h.push = time.Duration(secs) * time.Second
		}
	}

	bus.Subscribe(events.TypeStatus, func(ev events.Event) {
		payload, ok := ev.Payload.(events.StatusPayload)
		if !ok {
			return
		}
		h.mu.Lock()
		h.statusLatest[ev.Strategy] = payload.Account
		h.statusDirty = true
		h.mu.Unlock()
	})
	bus.Subscribe(events.TypeStream, func(ev events.Event) {
		payload, ok := ev.Payload.(events.StreamPayload)
		if !ok {
			return
		}
		h.mu.Lock()
		h.pending = append(h.pending, streamEntry{TS: ev.TS, Strategy: ev.Strategy, Data: payload})
		if len(h.pending) > maxPendingFrames {
			h.pending = h.pending[len(h.pending)-maxPendingFrames:]
		}
		h.mu.Unlock()
	})
	return h
}

// Run flushes coalesced frames at the push cadence until ctx is cancelled,
// then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.push)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

func (h *Hub) flush() {
	h.mu.Lock()
	var statusFrame map[string]any
	if h.statusDirty {
		data := make(map[string]sim.AccountView, len(h.statusLatest))
		for k, v := range h.statusLatest {
			data[k] = v
		}
		statusFrame = map[string]any{"ts": time.Now().UnixMilli(), "data": data}
		h.statusDirty = false
	}
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	if statusFrame != nil {
		if frame, err := encodeFrame(statusFrame); err == nil {
			h.broadcast(kindStatus, frame)
		} else {
			h.log.Warn().Err(err).Msg("status frame encode failed")
		}
	}

	for _, entry := range pending {
		frame, err := encodeFrame(map[string]any{
			"ts": entry.TS,
			"data": map[string]events.StreamPayload{
				entry.Strategy: entry.Data,
			},
		})
		if err != nil {
			h.log.Warn().Err(err).Msg("stream frame encode failed")
			continue
		}
		h.broadcast(kindStream, frame)
	}
}

func (h *Hub) broadcast(kind channelKind, frame []byte) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for s := range h.subs {
		if s.kind == kind {
			s.enqueue(frame)
		}
	}
}

// Serve upgrades an HTTP request into a subscriber session.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, kind channelKind) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	size := 1
	if kind == kindStream {
		size = streamQueueSize
	}
	s := &subscriber{
		id:    uuid.NewString(),
		kind:  kind,
		conn:  conn,
		queue: make(chan []byte, size),
		hub:   h,
	}
	h.subsMu.Lock()
	h.subs[s] = struct{}{}
	h.subsMu.Unlock()
	h.log.Info().Str("subscriber", s.id).Int("kind", int(kind)).Msg("subscriber connected")

	go s.writePump()
	go s.readPump()
}

func (h *Hub) unregister(s *subscriber) {
	h.subsMu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.queue)
	}
	h.subsMu.Unlock()
	h.log.Info().Str("subscriber", s.id).Msg("subscriber disconnected")
}

func (h *Hub) closeAll() {
	h.subsMu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subsMu.Unlock()
	for _, s := range subs {
		s.close()
	}
}
