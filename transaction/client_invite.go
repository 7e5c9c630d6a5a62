package transaction

import (
	"fmt"
	"time"

	"github.com/sipcore/sipcore/sip"
	"github.com/sipcore/sipcore/timer"
)

// clientInviteState is the RFC 3261 §17.1.1.2 client INVITE FSM, extended
// with the RFC 6026 §7.2 Accepted state so a retransmitted 2xx doesn't
// fall through to an unmatched-response code path above the transaction.
type clientInviteState int

const (
	ciCalling clientInviteState = iota
	ciProceeding
	ciCompleted
	ciAccepted
	ciTerminated
)

// ClientInviteTx drives an INVITE request through Calling, Proceeding,
// Completed/Accepted and Terminated.
type ClientInviteTx struct {
	base

	state    clientInviteState
	backoffA time.Duration

	responses chan *sip.Response
}

// NewClientInviteTx creates and starts a client INVITE transaction.
func NewClientInviteTx(key string, origin *sip.Request, sender Sender, wheel *timer.Wheel, cfg Config, onTerminate FnOnTerminate) (*ClientInviteTx, error) {
	tx := &ClientInviteTx{
		base:      newBase(key, origin, sender, wheel, cfg, onTerminate),
		state:     ciCalling,
		responses: make(chan *sip.Response, 8),
	}

	if err := sender.WriteMessage(origin); err != nil {
		wrapped := wrapTransportError(err)
		tx.finish(ReasonConnectionFailure, wrapped)
		return tx, wrapped
	}

	if !sender.IsReliable() {
		tx.backoffA = cfg.T1
		tx.armTimerA()
	}
	tx.wheel.Arm(tx.key+timerSuffixB, cfg.timerB(), func() { tx.onTimerB() })
	return tx, nil
}

func (tx *ClientInviteTx) Responses() <-chan *sip.Response { return tx.responses }

func (tx *ClientInviteTx) Terminate() {
	tx.finish(ReasonCancelled, ErrTransactionCanceled)
}

func (tx *ClientInviteTx) terminateWithReason(reason Reason) {
	tx.finish(reason, nil)
}

func (tx *ClientInviteTx) armTimerA() {
	tx.wheel.Arm(tx.key+timerSuffixA, tx.backoffA, func() { tx.onTimerA() })
}

func (tx *ClientInviteTx) onTimerA() {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	if tx.state != ciCalling {
		return
	}
	if err := tx.sender.WriteMessage(tx.origin); err != nil {
		tx.finish(ReasonConnectionFailure, wrapTransportError(err))
		return
	}
	tx.backoffA *= 2
	tx.armTimerA()
}

func (tx *ClientInviteTx) onTimerB() {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	switch tx.state {
	case ciCalling, ciProceeding:
		tx.state = ciTerminated
		tx.finish(ReasonNoResponseReceived, fmt.Errorf("Timer B: %w", ErrTransactionTimeout))
	}
}

func (tx *ClientInviteTx) onTimerD() {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	if tx.state == ciCompleted {
		tx.state = ciTerminated
		tx.finish(ReasonFinalResponseReceived, nil)
	}
}

func (tx *ClientInviteTx) onTimerM() {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	if tx.state == ciAccepted {
		tx.state = ciTerminated
		tx.finish(ReasonOkReceived, nil)
	}
}

// Receive processes a response for this transaction.
func (tx *ClientInviteTx) Receive(res *sip.Response) {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	switch tx.state {
	case ciCalling, ciProceeding:
		switch {
		case res.IsProvisional():
			tx.state = ciProceeding
			tx.passUp(res)
			tx.wheel.Cancel(tx.key + timerSuffixA)
		case res.IsSuccess():
			// RFC 6026: a 2xx received in Calling/Proceeding moves to
			// Accepted rather than Terminated, so later retransmitted
			// 2xx responses are absorbed instead of leaking past the
			// transaction layer as unmatched messages.
			tx.state = ciAccepted
			tx.passUp(res)
			tx.wheel.Cancel(tx.key + timerSuffixA)
			tx.wheel.Cancel(tx.key + timerSuffixB)
			tx.wheel.Arm(tx.key+timerSuffixM, tx.cfg.timerB(), func() { tx.onTimerM() })
		default:
			tx.state = ciCompleted
			tx.passUp(res)
			tx.wheel.Cancel(tx.key + timerSuffixA)
			tx.wheel.Cancel(tx.key + timerSuffixB)
			tx.sendAck(res)
			if tx.sender.IsReliable() {
				tx.state = ciTerminated
				tx.finish(ReasonFinalResponseReceived, nil)
				return
			}
			tx.wheel.Arm(tx.key+timerSuffixD, tx.cfg.timerD(), func() { tx.onTimerD() })
		}
	case ciCompleted:
		if res.IsSuccess() {
			return
		}
		// Retransmitted non-2xx final response: re-ACK, don't pass up again.
		tx.sendAck(res)
	case ciAccepted:
		if res.IsSuccess() {
			// RFC 6026 §7.2: retransmitted 2xx is passed to the TU again
			// (it may carry a different To-tag for a forked INVITE).
			tx.passUp(res)
		}
	}
}

func (tx *ClientInviteTx) sendAck(res *sip.Response) {
	ack := sip.NewAckRequestForFinalResponse(tx.origin, res)
	if err := tx.sender.WriteMessage(ack); err != nil {
		tx.finish(ReasonConnectionFailure, wrapTransportError(err))
	}
}

func (tx *ClientInviteTx) passUp(res *sip.Response) {
	select {
	case tx.responses <- res:
	case <-tx.done:
	}
}
