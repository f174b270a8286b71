package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// sendBuffer is how many undelivered events a viewer may accumulate
	// before delivery starts to wait on it.
	sendBuffer = 64

	// sendTimeout is how long a full viewer gets to drain one slot before
	// it is considered stalled and dropped.
	sendTimeout = 250 * time.Millisecond
)

// Subscriber is one connected viewer's event stream.
type Subscriber struct {
	ID  uuid.UUID
	ch  chan []byte
	hub *Hub
}

// C yields marshaled event records in publish order. The channel is closed
// when the subscriber is dropped for falling behind or unsubscribed.
func (s *Subscriber) C() <-chan []byte {
	return s.ch
}

func (s *Subscriber) Close() {
	s.hub.drop(s.ID)
}

// Hub fans events out to every live subscriber. A stalled subscriber cannot
// block the publisher for long: when its buffer stays full past sendTimeout
// it is dropped and its channel closed.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*Subscriber
	log  zerolog.Logger
}

func New() *Hub {
	return &Hub{
		subs: make(map[uuid.UUID]*Subscriber),
		log:  log.Logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ID:  uuid.New(),
		ch:  make(chan []byte, sendBuffer),
		hub: h,
	}

	h.mu.Lock()
	h.subs[s.ID] = s
	n := len(h.subs)
	h.mu.Unlock()

	h.log.Debug().Str("subscriber", s.ID.String()).Int("total", n).Msg("viewer subscribed")
	return s
}

func (h *Hub) drop(id uuid.UUID) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(s.ch)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.log.Debug().Str("subscriber", id.String()).Int("total", n).Msg("viewer unsubscribed")
	}
}

// Publish delivers the event to every subscriber connected right now.
// Marshaling happens once. A viewer that is merely behind gets sendTimeout
// to free a slot; one that stays full is dropped so it cannot hold up the
// publisher indefinitely.
func (h *Hub) Publish(ev any) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("error encoding event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.subs {
		select {
		case s.ch <- b:
			continue
		default:
		}

		t := time.NewTimer(sendTimeout)
		select {
		case s.ch <- b:
			t.Stop()
		case <-t.C:
			delete(h.subs, id)
			close(s.ch)
			h.log.Warn().Str("subscriber", id.String()).Msg("dropping stalled viewer")
		}
	}
}

// Subscribers returns the current viewer count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
