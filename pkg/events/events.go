package events

import (
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/overnode-org/overnode/pkg/types"
)

// EventType names what happened
type EventType string

const (
	EventRunStarted       EventType = "run.started"
	EventRunCompleted     EventType = "run.completed"
	EventRunAborted       EventType = "run.aborted"
	EventRunRejected      EventType = "run.rejected"
	EventWaveStarted      EventType = "wave.started"
	EventWaveVerified     EventType = "wave.verified"
	EventOperationApplied EventType = "operation.applied"
	EventOperationFailed  EventType = "operation.failed"
	EventNodeJoined       EventType = "node.joined"
	EventNodeUnreachable  EventType = "node.unreachable"
	EventNodeRecovered    EventType = "node.recovered"
	EventNodeForgotten    EventType = "node.forgotten"
)

// MembershipEvents are the events the node registry publishes
var MembershipEvents = []EventType{EventNodeJoined, EventNodeUnreachable, EventNodeRecovered, EventNodeForgotten}

// Warning reports whether the event is something an operator has to look at
func (t EventType) Warning() bool {
	switch t {
	case EventRunAborted, EventRunRejected, EventOperationFailed, EventNodeUnreachable:
		return true
	}
	return false
}

// Event is one rollout or membership notification. Fields that do not
// apply to the type are left zero.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Message   string

	Project string
	RunID   string
	Version uint64
	// Wave is the 1-based wave index; on run.aborted it is the wave the run stopped at
	Wave      int
	Operation *types.Operation
	Node      types.NodeID
}

// MarshalZerologObject writes the fields the event carries
func (e *Event) MarshalZerologObject(z *zerolog.Event) {
	z.Str("event", string(e.Type))
	if e.Project != "" {
		z.Str("project", e.Project)
	}
	if e.RunID != "" {
		z.Str("run_id", e.RunID)
	}
	if e.Version > 0 {
		z.Uint64("version", e.Version)
	}
	if e.Wave > 0 {
		z.Int("wave", e.Wave)
	}
	if op := e.Operation; op != nil {
		z.Str("kind", string(op.Kind)).Str("service", op.Service).Int("node", int(op.Node))
	} else if e.Node > 0 {
		z.Int("node", int(e.Node))
	}
}

// Log writes the event to logger, at warn level when it needs attention
func (e *Event) Log(logger zerolog.Logger) {
	level := zerolog.InfoLevel
	if e.Type.Warning() {
		level = zerolog.WarnLevel
	}
	logger.WithLevel(level).EmbedObject(e).Msg(e.Message)
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Publisher is implemented by anything events can be sent to
type Publisher interface {
	Publish(event *Event)
}

// Broker fans events out to subscribers. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]mapset.Set[EventType] // nil set receives everything
	queue       chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Uint64
}

// NewBroker creates a broker; Start must be called before events flow
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]mapset.Set[EventType]),
		queue:       make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start runs the dispatch loop in the background
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case event := <-b.queue:
				b.dispatch(event)
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop ends dispatching. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given
func (b *Broker) Subscribe(kinds ...EventType) Subscriber {
	var filter mapset.Set[EventType]
	if len(kinds) > 0 {
		filter = mapset.NewSet(kinds...)
	}
	sub := make(Subscriber, 50)

	b.mu.Lock()
	b.subscribers[sub] = filter
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes it
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues event for delivery, stamping it if it has no time
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.queue <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) dispatch(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub, filter := range b.subscribers {
		if filter != nil && !filter.Contains(event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped on full subscribers
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

// Follow logs every event of the given types until the returned func is
// called. The func waits for the logging goroutine to finish.
func Follow(b *Broker, logger zerolog.Logger, kinds ...EventType) func() {
	sub := b.Subscribe(kinds...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range sub {
			event.Log(logger)
		}
	}()
	return func() {
		b.Unsubscribe(sub)
		<-done
	}
}
