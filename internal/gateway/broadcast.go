package gateway

import "sync"

// TuiStreamEventType discriminates the tagged variants of a broadcast event.
type TuiStreamEventType string

const (
	EventStarted   TuiStreamEventType = "started"
	EventTextDelta TuiStreamEventType = "text_delta"
	EventCompleted TuiStreamEventType = "completed"
	EventError     TuiStreamEventType = "error"
)

// TuiStreamEvent is one broadcastable moment in a request's lifecycle.
// Exactly one of the variant-specific field groups is populated, selected
// by Type — this is Go's stand-in for a Rust tagged enum.
type TuiStreamEvent struct {
	Type      TuiStreamEventType `json:"type"`
	RequestID string             `json:"request_id"`

	// EventStarted
	Model     string `json:"model,omitempty"`
	AgentType string `json:"agent_type,omitempty"`

	// EventTextDelta
	Text string `json:"text,omitempty"`

	// EventCompleted
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`

	// EventError
	Message string `json:"message,omitempty"`
}

const defaultSubscriberCapacity = 1000

// Broadcaster fans a single stream of TuiStreamEvents out to any number of
// subscribers, each with its own lossy buffered channel. A send with zero
// subscribers is a silent no-op; a send to a subscriber whose buffer is
// full drops the event for that subscriber rather than blocking the
// publisher — slow consumers lose events, they never slow down the
// request pipeline.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]chan TuiStreamEvent
	nextID      int
	capacity    int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber
// channel capacity (0 means use the default of 1000).
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &Broadcaster{
		subscribers: make(map[int]chan TuiStreamEvent),
		capacity:    capacity,
	}
}

// Subscribe registers a new subscriber and returns its event channel plus
// an unsubscribe function the caller must invoke when done listening.
func (b *Broadcaster) Subscribe() (<-chan TuiStreamEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan TuiStreamEvent, b.capacity)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish sends event to every current subscriber, non-blocking. Subscriber
// count of zero is a no-op; a full subscriber buffer drops the event for
// that subscriber only.
func (b *Broadcaster) Publish(event TuiStreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are currently attached.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
