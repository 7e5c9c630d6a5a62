package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerNonInviteRespondThenTerminateOnTimerJ(t *testing.T) {
	req := testRegister(t, "z9hG4bK-s1")
	sender := newFakeSender(false)
	wheel := testWheel(t)

	done := make(chan struct{})
	var reason Reason
	tx := NewServerNonInviteTx("s1", req, sender, wheel, testConfig(), func(key string, r Reason) {
		reason = r
		close(done)
	})

	res := testResponse(t, req, 200, "OK")
	require.NoError(t, tx.Respond(res))
	assert.Equal(t, 1, sender.count())

	// Retransmitted request while Completed resends the last response.
	tx.Receive(req)
	assert.Equal(t, 2, sender.count())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timer J did not terminate transaction")
	}
	assert.Equal(t, ReasonFinalResponseSent, reason)
}

func TestServerNonInviteTerminateGracefullyWaitsForTimerJ(t *testing.T) {
	req := testRegister(t, "z9hG4bK-s3")
	sender := newFakeSender(false)
	wheel := testWheel(t)

	tx := NewServerNonInviteTx("s3", req, sender, wheel, testConfig(), nil)
	require.NoError(t, tx.Respond(testResponse(t, req, 200, "OK")))

	done := make(chan struct{})
	go func() {
		tx.TerminateGracefully()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TerminateGracefully did not return once Timer J fired")
	}
	assert.Equal(t, ReasonFinalResponseSent, tx.Reason())
}

func TestServerNonInviteTerminateGracefullyBeforeFinalResponseIsImmediate(t *testing.T) {
	req := testRegister(t, "z9hG4bK-s4")
	sender := newFakeSender(false)
	wheel := testWheel(t)

	tx := NewServerNonInviteTx("s4", req, sender, wheel, testConfig(), nil)
	tx.TerminateGracefully()

	select {
	case <-tx.Done():
	default:
		t.Fatal("TerminateGracefully should terminate immediately with no final response sent")
	}
	assert.Equal(t, ReasonCancelled, tx.Reason())
}

func TestServerNonInviteReliableTerminatesImmediately(t *testing.T) {
	req := testRegister(t, "z9hG4bK-s2")
	sender := newFakeSender(true)
	wheel := testWheel(t)

	tx := NewServerNonInviteTx("s2", req, sender, wheel, testConfig(), nil)
	require.NoError(t, tx.Respond(testResponse(t, req, 200, "OK")))

	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("reliable server tx should terminate right after final response")
	}
}
