package certification

import (
	"context"
	"sync"

	"github.com/certivid/evidence-engine/internal/domain"
)

// NotificationSource is the push side channel. The production source is the
// redis pub/sub subscription; tests inject channels directly.
type NotificationSource interface {
	Subscribe(ctx context.Context, captureID string) (<-chan domain.Notification, func() error, error)
}

// ProgressSink receives progress snapshots as the orchestrator observes
// them. Both the polling path and the push path publish through the same
// sink, so there is exactly one state-update representation.
type ProgressSink interface {
	Publish(progress domain.CertificationProgress)
}

// ProgressSinkFunc adapts a function to the ProgressSink interface.
type ProgressSinkFunc func(progress domain.CertificationProgress)

func (f ProgressSinkFunc) Publish(progress domain.CertificationProgress) { f(progress) }

// Broadcaster fans progress out to any number of channel subscribers.
// Slow subscribers miss intermediate snapshots instead of blocking the
// orchestrator.
type Broadcaster struct {
	mu   sync.Mutex
	subs []chan domain.CertificationProgress
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function.
func (b *Broadcaster) Subscribe() (<-chan domain.CertificationProgress, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.CertificationProgress, 16)
	b.subs = append(b.subs, ch)
	return ch, func() { b.unsubscribe(ch) }
}

func (b *Broadcaster) unsubscribe(ch chan domain.CertificationProgress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish delivers the snapshot to all subscribers without blocking.
func (b *Broadcaster) Publish(progress domain.CertificationProgress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- progress:
		default:
		}
	}
}
