package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SamiiBou/Bloom-sub000/observability"
)

// Type enumerates claim outcome event kinds.
type Type string

const (
	// TypeClaimSettled is published after the exactly-once ledger settlement.
	TypeClaimSettled Type = "claim.settled"
	// TypeClaimFailed is published when the on-chain transaction fails and the
	// pending claim is released.
	TypeClaimFailed Type = "claim.failed"
)

// Event is one claim outcome delivered to a connected client.
type Event struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      Type      `json:"type"`
	Amount    float64   `json:"amount"`
	TxHash    string    `json:"txHash,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Broker fans claim outcome events out to per-user subscribers. Publishing is
// fire-and-forget: a user with no listener attached loses nothing but the live
// push, because the journal retains a backlog.
type Broker struct {
	mu      sync.Mutex
	subs    map[string]map[uint64]chan Event
	nextSub uint64
	journal *Journal
	logger  *slog.Logger
}

// NewBroker constructs a broker. The journal may be nil, in which case only
// live delivery is available.
func NewBroker(journal *Journal, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:    make(map[string]map[uint64]chan Event),
		journal: journal,
		logger:  logger,
	}
}

// Publish records the event in the journal and delivers it to any live
// subscribers for the user. Slow subscribers are skipped rather than blocked
// on; a missed live push is recoverable from the journal backlog.
func (b *Broker) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	observability.Events().RecordClaimEvent(string(evt.Type))
	if b.journal != nil {
		if err := b.journal.Append(evt); err != nil {
			b.logger.Warn("journal claim event", "error", err)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[evt.UserID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe registers a live event channel for the user. The returned cancel
// function must be called when the listener goes away.
func (b *Broker) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[uint64]chan Event)
	}
	b.subs[userID][id] = ch
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[userID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, userID)
			}
		}
	}
	return ch, cancel
}

// Backlog returns the most recent journaled events for the user, oldest first.
func (b *Broker) Backlog(userID string, limit int) []Event {
	if b.journal == nil {
		return nil
	}
	events, err := b.journal.Recent(userID, limit)
	if err != nil {
		b.logger.Warn("read claim event backlog", "error", err)
		return nil
	}
	return events
}
