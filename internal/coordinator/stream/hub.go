package stream

import (
	"log/slog"
	"sync"

	"github.com/stakework/gridpool/internal/coordinator/domain"
)

// defaultBuffer is the per-subscriber channel depth. A slow consumer drops
// pushes past this depth and recovers them through the pull endpoint.
const defaultBuffer = 16

// Hub fans job descriptors out to per-worker subscribers. Each worker
// topic retains the most recent descriptor, which is replayed to a
// subscriber arriving after the publish. Delivery is best-effort.
type Hub struct {
	mu      sync.Mutex
	topics  map[string]*topic
	bufSize int
	logger  *slog.Logger
}

type topic struct {
	last    domain.JobDescriptor
	hasLast bool
	subs    map[*Subscription]struct{}
}

// Subscription is a live attachment to a worker topic. C is closed when
// the subscription is cancelled.
type Subscription struct {
	C <-chan domain.JobDescriptor

	hub      *Hub
	workerID string
	ch       chan domain.JobDescriptor
	once     sync.Once
}

// NewHub creates a stream hub. bufSize <= 0 selects the default depth.
func NewHub(bufSize int, logger *slog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	return &Hub{
		topics:  make(map[string]*topic),
		bufSize: bufSize,
		logger:  logger,
	}
}

func (h *Hub) topicLocked(workerID string) *topic {
	t, ok := h.topics[workerID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[workerID] = t
	}
	return t
}

// Publish delivers a descriptor to the worker's subscribers and records it
// as the topic's retained item. Subscribers whose buffers are full miss
// the push; they are expected to reconcile via pull.
func (h *Hub) Publish(workerID string, jd domain.JobDescriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(workerID)
	t.last = jd
	t.hasLast = true

	for sub := range t.subs {
		select {
		case sub.ch <- jd:
		default:
			h.logger.Warn("subscriber buffer full, dropping push",
				slog.String("worker_id", workerID),
				slog.String("job_id", jd.JobID),
			)
		}
	}
}

// Subscribe attaches to a worker's topic. The retained descriptor, if any,
// is delivered first.
func (h *Hub) Subscribe(workerID string) *Subscription {
	ch := make(chan domain.JobDescriptor, h.bufSize)
	sub := &Subscription{C: ch, hub: h, workerID: workerID, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topicLocked(workerID)
	t.subs[sub] = struct{}{}
	if t.hasLast {
		ch <- t.last
	}
	return sub
}

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()

		if t, ok := s.hub.topics[s.workerID]; ok {
			delete(t.subs, s)
			if len(t.subs) == 0 && !t.hasLast {
				delete(s.hub.topics, s.workerID)
			}
		}
		close(s.ch)
	})
}

// SubscriberCount reports the number of live subscribers for a worker.
func (h *Hub) SubscriberCount(workerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.topics[workerID]; ok {
		return len(t.subs)
	}
	return 0
}
