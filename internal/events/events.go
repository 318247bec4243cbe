// Package events carries typed progress events from long-running
// lifecycle operations to subscribers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase names a step of a lifecycle operation.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhasePrepare   Phase = "prepare"
	PhaseLaunch    Phase = "launch"
	PhaseWait      Phase = "wait"
	PhaseTerminate Phase = "terminate"
	PhaseFiles     Phase = "files"
	PhaseMetadata  Phase = "metadata"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

// Event is one progress update.
type Event struct {
	TaskID    string    `json:"task_id,omitempty"`
	Node      string    `json:"node"`
	Operation string    `json:"operation"`
	Phase     Phase     `json:"phase"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// Terminal reports whether the event ends its task.
func (e *Event) Terminal() bool {
	return e.Phase == PhaseDone || e.Phase == PhaseFailed
}

// Reporter receives progress from a long operation. A nil Reporter is
// valid and discards everything.
type Reporter func(phase Phase, percent int, message string)

// Report calls r when it is non-nil.
func (r Reporter) Report(phase Phase, percent int, message string) {
	if r != nil {
		r(phase, percent, message)
	}
}

// Subscriber receives events for one task, or for all tasks when TaskID is empty.
type Subscriber struct {
	ID        string
	TaskID    string
	Ch        chan *Event
	CreatedAt time.Time
}

// Broker fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      *slog.Logger
}

// NewBroker creates a new event broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		logger:      logger,
	}
}

// Subscribe registers a subscriber for taskID ("" for every task). The
// subscription is removed when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, taskID string) *Subscriber {
	b.mu.Lock()
	sub := &Subscriber{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Ch:        make(chan *Event, 64),
		CreatedAt: time.Now(),
	}
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "subscriber_id", sub.ID, "task_id", taskID)

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(sub)
		}()
	}
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends an event to every matching subscriber.
func (b *Broker) Publish(e *Event) {
	if e == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.TaskID != "" && sub.TaskID != e.TaskID {
			continue
		}
		select {
		case sub.Ch <- e:
		default:
			b.logger.Warn("subscriber channel full, dropping event",
				"subscriber_id", sub.ID,
				"task_id", e.TaskID,
			)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ReporterFor returns a Reporter that publishes events for one task.
func (b *Broker) ReporterFor(taskID, node, operation string) Reporter {
	return func(phase Phase, percent int, message string) {
		b.Publish(&Event{
			TaskID:    taskID,
			Node:      node,
			Operation: operation,
			Phase:     phase,
			Percent:   percent,
			Message:   message,
		})
	}
}
