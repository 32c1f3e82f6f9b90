package broadcaster

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Subscriber is one connected client's bounded outbound mailbox. The
// WebSocket transport drains Ch; anything else (tests, a future SSE
// transport) can subscribe the same way.
type Subscriber struct {
	ID string
	Ch chan Envelope

	dropped int64
}

// DroppedCount reports how many events were dropped for this subscriber
// because its buffer was full.
func (s *Subscriber) DroppedCount() int64 { return atomic.LoadInt64(&s.dropped) }

// Broadcaster holds the live subscriber set and fans out events to all of
// them. Delivery never blocks the publisher: a full subscriber buffer
// drops its oldest queued event to make room for the new one.
type Broadcaster struct {
	maxBuffer int
	logger    zerolog.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	totalPublished  int64
	totalSlowDrops  int64
}

func New(maxBuffer int, logger zerolog.Logger) *Broadcaster {
	if maxBuffer <= 0 {
		maxBuffer = 64
	}
	return &Broadcaster{
		maxBuffer:   maxBuffer,
		logger:      logger,
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber and returns it; the caller is
// responsible for draining Ch and calling Unsubscribe on disconnect.
func (b *Broadcaster) Subscribe(id string) *Subscriber {
	sub := &Subscriber{ID: id, Ch: make(chan Envelope, b.maxBuffer)}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish delivers env to every live subscriber. A subscriber whose
// buffer is full has its oldest pending event dropped to make room,
// rather than blocking this call or dropping the newest event silently.
func (b *Broadcaster) Publish(env Envelope) {
	atomic.AddInt64(&b.totalPublished, 1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		b.deliver(sub, env)
	}
}

func (b *Broadcaster) deliver(sub *Subscriber, env Envelope) {
	select {
	case sub.Ch <- env:
		return
	default:
	}

	// Buffer full: drop the oldest queued event, then retry once.
	select {
	case <-sub.Ch:
		atomic.AddInt64(&sub.dropped, 1)
		atomic.AddInt64(&b.totalSlowDrops, 1)
		b.logger.Warn().Str("subscriber", sub.ID).Msg("slow_consumer: dropped oldest queued event")
	default:
	}

	select {
	case sub.Ch <- env:
	default:
		// Another goroutine raced us and refilled the buffer; drop this
		// event rather than blocking the publisher.
		atomic.AddInt64(&sub.dropped, 1)
		atomic.AddInt64(&b.totalSlowDrops, 1)
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

type Metrics struct {
	TotalPublished int64
	TotalSlowDrops int64
	Subscribers    int
}

func (b *Broadcaster) Metrics() Metrics {
	return Metrics{
		TotalPublished: atomic.LoadInt64(&b.totalPublished),
		TotalSlowDrops: atomic.LoadInt64(&b.totalSlowDrops),
		Subscribers:    b.SubscriberCount(),
	}
}
