package run

import (
	"sync"

	"webpilot/internal/types"
)

// SignalKind enumerates the external control verbs.
type SignalKind string

const (
	SignalPause    SignalKind = "pause"
	SignalResume   SignalKind = "resume"
	SignalCancel   SignalKind = "cancel"
	SignalOverride SignalKind = "override" // god mode action injection
)

// Signal is one control message for a live run.
type Signal struct {
	Kind     SignalKind
	Reason   string
	Override *types.Action // set for SignalOverride
}

// signalBuffer bounds per-run control queues. Controls are rare and
// human-paced; an overflowing queue means the sender is misbehaving and
// extra signals are dropped.
const signalBuffer = 16

// Broker fans control signals out to live runs keyed by run ID. Signals
// for unknown or finished runs are acknowledged as no-ops.
type Broker struct {
	mu   sync.Mutex
	subs map[string]chan Signal
}

// NewBroker creates an empty control broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]chan Signal)}
}

// Subscribe registers a run and returns its signal channel. A second
// subscription for the same run replaces the first.
func (b *Broker) Subscribe(runID string) <-chan Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Signal, signalBuffer)
	b.subs[runID] = ch
	return ch
}

// Unsubscribe removes the run; subsequent sends become no-ops.
func (b *Broker) Unsubscribe(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, runID)
}

// Send delivers a signal to a live run. Returns false when the run is
// unknown (already terminal) or its queue is full; callers treat both as
// an accepted no-op, since terminal states absorb every signal.
func (b *Broker) Send(runID string, sig Signal) bool {
	b.mu.Lock()
	ch, ok := b.subs[runID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- sig:
		return true
	default:
		return false
	}
}
