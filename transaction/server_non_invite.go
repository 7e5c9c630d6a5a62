package transaction

import (
	"github.com/sipcore/sipcore/sip"
	"github.com/sipcore/sipcore/timer"
)

// serverNonInviteState is the RFC 3261 §17.2.2 server non-INVITE FSM.
type serverNonInviteState int

const (
	sniTrying serverNonInviteState = iota
	sniProceeding
	sniCompleted
	sniTerminated
)

// ServerNonInviteTx drives a non-INVITE request through Trying,
// Proceeding, Completed and Terminated, resending the last response it
// sent whenever the request retransmits.
type ServerNonInviteTx struct {
	base

	state        serverNonInviteState
	lastResponse *sip.Response
}

// NewServerNonInviteTx creates a server non-INVITE transaction for an
// inbound request. Unlike the client side, nothing is written to the
// wire until the transaction user calls Respond.
func NewServerNonInviteTx(key string, origin *sip.Request, sender Sender, wheel *timer.Wheel, cfg Config, onTerminate FnOnTerminate) *ServerNonInviteTx {
	return &ServerNonInviteTx{
		base:  newBase(key, origin, sender, wheel, cfg, onTerminate),
		state: sniTrying,
	}
}

func (tx *ServerNonInviteTx) Terminate() {
	tx.finish(ReasonCancelled, ErrTransactionCanceled)
}

func (tx *ServerNonInviteTx) terminateWithReason(reason Reason) {
	tx.finish(reason, nil)
}

// TerminateGracefully lets a final response already in flight still be
// retransmitted to a request retransmission before the transaction goes
// away, instead of tearing it down immediately. If no final response has
// been sent yet, or the channel is reliable (no retransmissions possible
// anyway), it terminates right away.
func (tx *ServerNonInviteTx) TerminateGracefully() {
	tx.fsmMu.Lock()
	finalized := tx.state == sniCompleted
	tx.fsmMu.Unlock()

	if !finalized || tx.sender.IsReliable() {
		tx.Terminate()
		return
	}
	<-tx.Done()
}

// Receive processes a retransmission of the original request.
func (tx *ServerNonInviteTx) Receive(req *sip.Request) {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	switch tx.state {
	case sniProceeding, sniCompleted:
		if tx.lastResponse != nil {
			if err := tx.sender.WriteMessage(tx.lastResponse); err != nil {
				tx.finish(ReasonConnectionFailure, wrapTransportError(err))
			}
		}
	case sniTrying:
		// No response generated yet; RFC 3261 says absorb silently.
	}
}

// Respond sends a response generated by the transaction user, advancing
// the FSM according to the response's status class.
func (tx *ServerNonInviteTx) Respond(res *sip.Response) error {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	switch tx.state {
	case sniTrying, sniProceeding:
		if err := tx.sender.WriteMessage(res); err != nil {
			wrapped := wrapTransportError(err)
			tx.finish(ReasonConnectionFailure, wrapped)
			return wrapped
		}
		tx.lastResponse = res
		if res.IsProvisional() {
			tx.state = sniProceeding
			return nil
		}
		tx.state = sniCompleted
		if tx.sender.IsReliable() {
			tx.state = sniTerminated
			tx.finish(ReasonFinalResponseSent, nil)
			return nil
		}
		tx.wheel.Arm(tx.key+timerSuffixJ, 64*tx.cfg.T1, func() { tx.onTimerJ() })
		return nil
	case sniCompleted:
		// TU tried to respond again after a final response; nothing to do.
		return nil
	default:
		return ErrTransactionTerminated
	}
}

func (tx *ServerNonInviteTx) onTimerJ() {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()

	if tx.state == sniCompleted {
		tx.state = sniTerminated
		tx.finish(ReasonFinalResponseSent, nil)
	}
}
