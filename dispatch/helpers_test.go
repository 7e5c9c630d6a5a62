package dispatch

import (
	"fmt"
	"testing"
	"time"

	"github.com/sipcore/sipcore/sip"
	"github.com/sipcore/sipcore/timer"
	"github.com/sipcore/sipcore/transaction"
	"github.com/stretchr/testify/require"
)

func testConfig() transaction.Config {
	return transaction.Config{
		T1:     time.Millisecond,
		T2:     4 * time.Millisecond,
		T4:     5 * time.Millisecond,
		TimerD: 5 * time.Millisecond,
	}
}

func testWheel(t *testing.T) *timer.Wheel {
	w := timer.NewWheel(timer.WithTick(time.Millisecond))
	t.Cleanup(w.Stop)
	return w
}

func testInvite(t *testing.T, branch, callID string) *sip.Request {
	t.Helper()
	raw := fmt.Sprintf(
		"INVITE sip:bob@example.com SIP/2.0\r\n"+
			"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=%s\r\n"+
			"From: <sip:alice@example.com>;tag=a1\r\n"+
			"To: <sip:bob@example.com>\r\n"+
			"Call-ID: %s\r\n"+
			"CSeq: 1 INVITE\r\n"+
			"Max-Forwards: 70\r\n"+
			"Content-Length: 0\r\n\r\n", branch, callID)
	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)
	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	return req
}

func testRegister(t *testing.T, branch, callID string) *sip.Request {
	t.Helper()
	raw := fmt.Sprintf(
		"REGISTER sip:example.com SIP/2.0\r\n"+
			"Via: SIP/2.0/UDP 10.0.0.1:5060;branch=%s\r\n"+
			"From: <sip:alice@example.com>;tag=a1\r\n"+
			"To: <sip:alice@example.com>\r\n"+
			"Call-ID: %s\r\n"+
			"CSeq: 1 REGISTER\r\n"+
			"Max-Forwards: 70\r\n"+
			"Content-Length: 0\r\n\r\n", branch, callID)
	msg, err := sip.ParseMessage([]byte(raw))
	require.NoError(t, err)
	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	return req
}

func testResponse(t *testing.T, req *sip.Request, statusCode int, reason string) *sip.Response {
	t.Helper()
	return sip.NewResponseFromRequest(req, statusCode, reason, nil)
}
