package transaction

import (
	"time"

	"github.com/sipcore/sipcore/sip"
	"github.com/sipcore/sipcore/timer"
)

// serverInviteState is the RFC 3261 §17.2.1 server INVITE FSM, extended
// with the RFC 6026 §7.1 Accepted state so a 2xx response and its
// retransmissions are absorbed by the transaction instead of leaking a
// duplicate INVITE or stray ACK to the transaction user.
type serverInviteState int

const (
	siProceeding serverInviteState = iota
	siCompleted
	siAccepted
	siConfirmed
	siTerminated
)

// FnOnCancel is invoked when a CANCEL request matching this INVITE
// transaction arrives while it is still in Proceeding. The transaction
// user is expected to respond with a 487 via Respond; NotifyCancel does
// not generate one itself, since only the TU knows whether the INVITE
// has already been answered by application logic racing the CANCEL.
type FnOnCancel func(cancel *sip.Request)

// ServerInviteTx drives an INVITE request through Proceeding,
// Completed/Accepted, Confirmed and Terminated.
type ServerInviteTx struct {
	base

	state        serverInviteState
	lastResponse *sip.Response
	backoffG     time.Duration

	onCancel FnOnCancel
}

func NewServerInviteTx(key string, origin *sip.Request, sender Sender, wheel *timer.Wheel, cfg Config, onTerminate FnOnTerminate) *ServerInviteTx {
	tx := &ServerInviteTx{
		base:  newBase(key, origin, sender, wheel, cfg, onTerminate),
		state: siProceeding,
	}
	tx.backoffG = cfg.T1
	return tx
}

func (tx *ServerInviteTx) Terminate() {
	tx.finish(ReasonCancelled, ErrTransactionCanceled)
}

func (tx *ServerInviteTx) terminateWithReason(reason Reason) {
	tx.finish(reason, nil)
}

// TerminateGracefully waits for a final response already sent to finish
// its own retransmission/ack lifecycle (Timer G/H/I/L) rather than
// cutting it short. A transaction still in Proceeding, or on a reliable
// channel, has nothing to gain from waiting and terminates immediately.
func (tx *ServerInviteTx) TerminateGracefully() {
	tx.fsmMu.Lock()
	finalized := tx.state == siCompleted || tx.state == siAccepted || tx.state == siConfirmed
	tx.fsmMu.Unlock()

	if !finalized || tx.sender.IsReliable() {
		tx.Terminate()
		return
	}
	<-tx.Done()
}

// OnCancel registers the CANCEL notification hook. Returns false if the
// transaction already terminated.
func (tx *ServerInviteTx) OnCancel(f FnOnCancel) bool {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()
	if tx.state == siTerminated {
		return false
	}
	tx.onCancel = f
	return true
}

// NotifyCancel is called by the dispatcher when a CANCEL is matched to
// this INVITE transaction. Only meaningful in Proceeding: RFC 3261
// §9.2 says a CANCEL arriving after a final response has already gone
// out has no effect on the INVITE transaction.
func (tx *ServerInviteTx) NotifyCancel(cancel *sip.Request) {
	tx.fsmMu.Lock()
	hook := tx.onCancel
	isProceeding := tx.state == siProceeding
	tx.fsmMu.Unlock()

	if isProceeding && hook != nil {
		hook(cancel)
	}
}

// Receive processes a retransmission of the original INVITE.
func (tx *ServerInviteTx) Receive(req *sip.Request) {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	switch tx.state {
	case siProceeding, siCompleted:
		if tx.lastResponse != nil {
			if err := tx.sender.WriteMessage(tx.lastResponse); err != nil {
				tx.finish(ReasonConnectionFailure, wrapTransportError(err))
			}
		}
	case siAccepted, siConfirmed:
		// RFC 6026 §7.1: absorb retransmitted INVITE after the 2xx,
		// never pass it to the TU again.
	}
}

// ReceiveAck processes an ACK matched to this transaction -- for a
// non-2xx final response via the usual INVITE-branch key, or for a 2xx
// while still Accepted.
func (tx *ServerInviteTx) ReceiveAck(ack *sip.Request) {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	switch tx.state {
	case siCompleted:
		tx.state = siConfirmed
		tx.wheel.Cancel(tx.key + timerSuffixG)
		tx.wheel.Cancel(tx.key + timerSuffixH)
		if tx.sender.IsReliable() {
			tx.state = siTerminated
			tx.finish(ReasonFinalResponseSent, nil)
			return
		}
		tx.wheel.Arm(tx.key+timerSuffixI, tx.cfg.T4, func() { tx.onTimerI() })
	case siAccepted:
		// Normal: 2xx was acknowledged. Stay Accepted until Timer L,
		// absorbing any further duplicate ACKs.
	}
}

// Respond sends a response generated by the transaction user.
func (tx *ServerInviteTx) Respond(res *sip.Response) error {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	switch tx.state {
	case siProceeding:
		if err := tx.sender.WriteMessage(res); err != nil {
			wrapped := wrapTransportError(err)
			tx.finish(ReasonConnectionFailure, wrapped)
			return wrapped
		}
		tx.lastResponse = res
		switch {
		case res.IsProvisional():
			return nil
		case res.IsSuccess():
			tx.state = siAccepted
			tx.wheel.Arm(tx.key+timerSuffixL, tx.cfg.timerB(), func() { tx.onTimerL() })
			return nil
		default:
			tx.state = siCompleted
			if tx.sender.IsReliable() {
				tx.wheel.Arm(tx.key+timerSuffixH, tx.cfg.timerB(), func() { tx.onTimerH() })
				return nil
			}
			tx.wheel.Arm(tx.key+timerSuffixG, tx.backoffG, func() { tx.onTimerG() })
			tx.wheel.Arm(tx.key+timerSuffixH, tx.cfg.timerB(), func() { tx.onTimerH() })
			return nil
		}
	default:
		return nil
	}
}

func (tx *ServerInviteTx) onTimerG() {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	if tx.state != siCompleted {
		return
	}
	if tx.lastResponse != nil {
		if err := tx.sender.WriteMessage(tx.lastResponse); err != nil {
			tx.finish(ReasonConnectionFailure, wrapTransportError(err))
			return
		}
	}
	tx.backoffG *= 2
	if tx.backoffG > tx.cfg.T2 {
		tx.backoffG = tx.cfg.T2
	}
	tx.wheel.Arm(tx.key+timerSuffixG, tx.backoffG, func() { tx.onTimerG() })
}

func (tx *ServerInviteTx) onTimerH() {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	if tx.state == siCompleted {
		tx.state = siTerminated
		tx.finish(ReasonAckNotReceived, ErrTransactionTimeout)
	}
}

func (tx *ServerInviteTx) onTimerI() {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	if tx.state == siConfirmed {
		tx.state = siTerminated
		tx.finish(ReasonFinalResponseSent, nil)
	}
}

func (tx *ServerInviteTx) onTimerL() {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	if tx.state == siAccepted {
		tx.state = siTerminated
		tx.finish(ReasonFinalResponseSent, nil)
	}
}
