package dispatch

import (
	"github.com/sipcore/sipcore/metrics"
	"github.com/sipcore/sipcore/sip"
	"github.com/sipcore/sipcore/transaction"
)

// StartClientNonInvite starts a client non-INVITE transaction for req
// toward remote. onComplete, if non-nil, fires exactly once when the
// transaction finishes: with the final response and a nil error on
// success, or a nil response and a non-nil error (ErrTransactionTimeout,
// the transport error, ...) otherwise.
func (d *Dispatcher) StartClientNonInvite(req *sip.Request, remote string, onComplete func(*sip.Response, error)) (*transaction.ClientNonInviteTx, error) {
	key, err := transaction.ClientKey(req)
	if err != nil {
		return nil, err
	}

	sender := &channelSender{d: d, remote: remote}
	tx, err := transaction.NewClientNonInviteTx(key, req, sender, d.wheel, d.cfg, func(k string, reason transaction.Reason) {
		d.store.DropClient(k)
		metrics.TransactionsTerminated.WithLabelValues(reason.String()).Inc()
	})
	if err != nil {
		if onComplete != nil {
			onComplete(nil, err)
		}
		return tx, err
	}

	d.store.PutClient(key, tx)
	metrics.TransactionsStarted.WithLabelValues("client", "non_invite").Inc()
	if onComplete != nil {
		go watchClient(tx, nil, onComplete)
	}
	return tx, nil
}

// StartClientInvite starts a client INVITE transaction for req toward
// remote. onProvisional, if non-nil, fires for every 1xx received while
// Calling/Proceeding. onComplete fires exactly once, with the final (or
// Accepted) response, or an error if none arrived.
func (d *Dispatcher) StartClientInvite(req *sip.Request, remote string, onProvisional func(*sip.Response), onComplete func(*sip.Response, error)) (*transaction.ClientInviteTx, error) {
	key, err := transaction.ClientKey(req)
	if err != nil {
		return nil, err
	}

	sender := &channelSender{d: d, remote: remote}
	tx, err := transaction.NewClientInviteTx(key, req, sender, d.wheel, d.cfg, func(k string, reason transaction.Reason) {
		d.store.DropClient(k)
		metrics.TransactionsTerminated.WithLabelValues(reason.String()).Inc()
	})
	if err != nil {
		if onComplete != nil {
			onComplete(nil, err)
		}
		return tx, err
	}

	d.store.PutClient(key, tx)
	metrics.TransactionsStarted.WithLabelValues("client", "invite").Inc()
	if onComplete != nil {
		go watchClient(tx, onProvisional, onComplete)
	}
	return tx, nil
}

// watchClient drains tx's response stream, routing provisionals to
// onProvisional and the final response (plus tx.Err()) to onComplete once
// the transaction is done. Responses is an unbounded-lifetime buffered
// channel so draining it after Done fires still observes whatever was
// delivered in the same critical section that closed Done.
func watchClient(tx transaction.ClientTransaction, onProvisional func(*sip.Response), onComplete func(*sip.Response, error)) {
	responses := tx.Responses()
	done := tx.Done()
	var final *sip.Response

	for {
		select {
		case res := <-responses:
			if res.IsProvisional() {
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}
			final = res
		case <-done:
			for drained := false; !drained; {
				select {
				case res := <-responses:
					if !res.IsProvisional() {
						final = res
					}
				default:
					drained = true
				}
			}
			onComplete(final, tx.Err())
			return
		}
	}
}

// StartServerNonInvite starts a server non-INVITE transaction for an
// inbound req. If initialResponse is non-nil it is sent immediately (e.g.
// a 100 Trying before the transaction user has computed a final answer).
// onComplete, if non-nil, fires exactly once with the termination reason.
func (d *Dispatcher) StartServerNonInvite(req *sip.Request, remote string, initialResponse *sip.Response, onComplete func(transaction.Reason)) (*transaction.ServerNonInviteTx, error) {
	key, err := transaction.ServerKey(req, "")
	if err != nil {
		return nil, err
	}

	sender := &channelSender{d: d, remote: remote}
	tx := transaction.NewServerNonInviteTx(key, req, sender, d.wheel, d.cfg, func(k string, reason transaction.Reason) {
		d.store.DropServer(k)
		metrics.TransactionsTerminated.WithLabelValues(reason.String()).Inc()
		if onComplete != nil {
			onComplete(reason)
		}
	})
	d.store.PutServer(key, tx)
	metrics.TransactionsStarted.WithLabelValues("server", "non_invite").Inc()

	if initialResponse != nil {
		if err := tx.Respond(initialResponse); err != nil {
			return tx, err
		}
	}
	return tx, nil
}

// StartServerInvite starts a server INVITE transaction for an inbound req.
// The returned transaction's OnCancel hook is how the transaction user
// learns of a matching CANCEL while still Proceeding.
func (d *Dispatcher) StartServerInvite(req *sip.Request, remote string, initialResponse *sip.Response, onComplete func(transaction.Reason)) (*transaction.ServerInviteTx, error) {
	key, err := transaction.ServerKey(req, "")
	if err != nil {
		return nil, err
	}

	sender := &channelSender{d: d, remote: remote}
	tx := transaction.NewServerInviteTx(key, req, sender, d.wheel, d.cfg, func(k string, reason transaction.Reason) {
		d.store.DropServer(k)
		metrics.TransactionsTerminated.WithLabelValues(reason.String()).Inc()
		if onComplete != nil {
			onComplete(reason)
		}
	})
	d.store.PutServer(key, tx)
	metrics.TransactionsStarted.WithLabelValues("server", "invite").Inc()

	if initialResponse != nil {
		if err := tx.Respond(initialResponse); err != nil {
			return tx, err
		}
	}
	return tx, nil
}
