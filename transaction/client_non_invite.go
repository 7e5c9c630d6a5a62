package transaction

import (
	"fmt"
	"time"

	"github.com/sipcore/sipcore/sip"
	"github.com/sipcore/sipcore/timer"
)

// clientNonInviteState is the RFC 3261 §17.1.2.2 client non-INVITE FSM.
type clientNonInviteState int

const (
	cniTrying clientNonInviteState = iota
	cniProceeding
	cniCompleted
	cniTerminated
)

// ClientNonInviteTx drives a non-INVITE request through Trying,
// Proceeding, Completed and Terminated, retransmitting on an unreliable
// channel until a final response arrives or Timer F expires.
type ClientNonInviteTx struct {
	base

	state    clientNonInviteState
	backoffE time.Duration // doubled on every Timer E fire, capped at T2

	responses chan *sip.Response
}

// NewClientNonInviteTx creates and starts a client non-INVITE transaction,
// writing origin on sender immediately.
func NewClientNonInviteTx(key string, origin *sip.Request, sender Sender, wheel *timer.Wheel, cfg Config, onTerminate FnOnTerminate) (*ClientNonInviteTx, error) {
	tx := &ClientNonInviteTx{
		base:      newBase(key, origin, sender, wheel, cfg, onTerminate),
		state:     cniTrying,
		responses: make(chan *sip.Response, 8),
	}

	if err := sender.WriteMessage(origin); err != nil {
		wrapped := wrapTransportError(err)
		tx.finish(ReasonConnectionFailure, wrapped)
		return tx, wrapped
	}

	if !sender.IsReliable() {
		tx.backoffE = cfg.T1
		tx.armTimerE()
	}
	tx.armTimerF()
	return tx, nil
}

func (tx *ClientNonInviteTx) Responses() <-chan *sip.Response { return tx.responses }

func (tx *ClientNonInviteTx) Terminate() {
	tx.finish(ReasonCancelled, ErrTransactionCanceled)
}

func (tx *ClientNonInviteTx) terminateWithReason(reason Reason) {
	tx.finish(reason, nil)
}

func (tx *ClientNonInviteTx) armTimerE() {
	tx.wheel.Arm(tx.key+timerSuffixE, tx.backoffE, func() { tx.onTimerE() })
}

func (tx *ClientNonInviteTx) armTimerF() {
	tx.wheel.Arm(tx.key+timerSuffixF, tx.cfg.timerB(), func() { tx.onTimerF() })
}

func (tx *ClientNonInviteTx) onTimerE() {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	switch tx.state {
	case cniTrying, cniProceeding:
		if err := tx.sender.WriteMessage(tx.origin); err != nil {
			tx.finish(ReasonConnectionFailure, wrapTransportError(err))
			return
		}
		tx.backoffE *= 2
		if tx.backoffE > tx.cfg.T2 {
			tx.backoffE = tx.cfg.T2
		}
		tx.armTimerE()
	}
}

func (tx *ClientNonInviteTx) onTimerF() {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	switch tx.state {
	case cniTrying, cniProceeding:
		tx.state = cniTerminated
		tx.finish(ReasonNoResponseReceived, fmt.Errorf("Timer F: %w", ErrTransactionTimeout))
	}
}

func (tx *ClientNonInviteTx) onTimerK() {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	if tx.state == cniCompleted {
		tx.state = cniTerminated
		tx.finish(ReasonFinalResponseReceived, nil)
	}
}

// Receive processes a response for this transaction. May be called
// concurrently with timer firings; fsmMu orders everything.
func (tx *ClientNonInviteTx) Receive(res *sip.Response) {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	switch tx.state {
	case cniTrying, cniProceeding:
		if res.IsProvisional() {
			tx.state = cniProceeding
			tx.passUp(res)
			return
		}
		tx.state = cniCompleted
		tx.passUp(res)
		tx.wheel.Cancel(tx.key + timerSuffixE)
		tx.wheel.Cancel(tx.key + timerSuffixF)
		if tx.sender.IsReliable() {
			tx.state = cniTerminated
			tx.finish(ReasonFinalResponseReceived, nil)
			return
		}
		tx.wheel.Arm(tx.key+timerSuffixK, tx.cfg.T4, func() { tx.onTimerK() })
	case cniCompleted:
		// Retransmission of the final response is absorbed; RFC 3261
		// §17.1.2.2 does not forward it to the transaction user again.
	}
}

func (tx *ClientNonInviteTx) passUp(res *sip.Response) {
	select {
	case tx.responses <- res:
	case <-tx.done:
	}
}
