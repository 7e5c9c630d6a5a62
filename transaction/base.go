package transaction

import (
	"sync"

	"github.com/sipcore/sipcore/sip"
	"github.com/sipcore/sipcore/timer"
)

// FnOnTerminate is invoked exactly once when a transaction reaches its
// Terminated state, after it has removed its own timers, so the dispatcher
// can drop it from the Store without racing a concurrent Put.
type FnOnTerminate func(key string, reason Reason)

// base carries the fields every one of the four FSM kinds needs: identity,
// the request that started the transaction, the channel it writes to, its
// timer wheel, and the done/err/reason triple that Transaction exposes.
// fsmMu serializes state transitions; mu guards everything else, mirroring
// the split the teacher's baseTx makes between FSM-spin safety and plain
// field access.
type base struct {
	mu    sync.Mutex
	fsmMu sync.Mutex

	key    string
	origin *sip.Request
	sender Sender
	wheel  *timer.Wheel
	cfg    Config

	done   chan struct{}
	closed bool
	reason Reason
	err    error

	onTerminate FnOnTerminate
}

func newBase(key string, origin *sip.Request, sender Sender, wheel *timer.Wheel, cfg Config, onTerminate FnOnTerminate) base {
	return base{
		key:         key,
		origin:      origin,
		sender:      sender,
		wheel:       wheel,
		cfg:         cfg,
		done:        make(chan struct{}),
		onTerminate: onTerminate,
	}
}

func (b *base) Key() string        { return b.key }
func (b *base) Origin() *sip.Request { return b.origin }
func (b *base) Done() <-chan struct{} { return b.done }

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *base) Reason() Reason {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// finish marks the transaction terminated, cancels its timers, and fires
// onTerminate exactly once. Safe to call more than once; only the first
// call has any effect. Returns whether this call was the one that finished.
func (b *base) finish(reason Reason, err error) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.closed = true
	b.reason = reason
	if err == nil {
		err = reasonToErr(reason)
	}
	b.err = err
	close(b.done)
	b.mu.Unlock()

	b.wheel.Cancel(b.key + timerSuffixA)
	b.wheel.Cancel(b.key + timerSuffixB)
	b.wheel.Cancel(b.key + timerSuffixD)
	b.wheel.Cancel(b.key + timerSuffixE)
	b.wheel.Cancel(b.key + timerSuffixF)
	b.wheel.Cancel(b.key + timerSuffixG)
	b.wheel.Cancel(b.key + timerSuffixH)
	b.wheel.Cancel(b.key + timerSuffixI)
	b.wheel.Cancel(b.key + timerSuffixJ)
	b.wheel.Cancel(b.key + timerSuffixK)
	b.wheel.Cancel(b.key + timerSuffixL)
	b.wheel.Cancel(b.key + timerSuffixM)

	if b.onTerminate != nil {
		b.onTerminate(b.key, reason)
	}
	return true
}

// reasonToErr fills in Err() for reasons the FSMs report without an
// explicit error value. Normal completions (a final response delivered
// or acknowledged) leave Err() nil; only abnormal terminations surface
// a sentinel.
func reasonToErr(reason Reason) error {
	switch reason {
	case ReasonNoResponseReceived, ReasonAckNotReceived:
		return ErrTransactionTimeout
	case ReasonConnectionFailure:
		return ErrTransactionTransport
	case ReasonCancelled:
		return ErrTransactionCanceled
	case ReasonFinalResponseReceived, ReasonFinalResponseSent, ReasonOkReceived, ReasonNone:
		return nil
	default:
		return ErrTransactionTerminated
	}
}

// Timer id suffixes, appended to a transaction's key so one shared Wheel
// can host every transaction's timers without collisions.
const (
	timerSuffixA = "#A"
	timerSuffixB = "#B"
	timerSuffixD = "#D"
	timerSuffixE = "#E"
	timerSuffixF = "#F"
	timerSuffixG = "#G"
	timerSuffixH = "#H"
	timerSuffixI = "#I"
	timerSuffixJ = "#J"
	timerSuffixK = "#K"
	timerSuffixL = "#L"
	timerSuffixM = "#M"
)
