package transaction

import (
	"sync"

	"github.com/sipcore/sipcore/sip"
)

// fakeSender records every message written to it and lets tests
// configure the next N writes to fail, modelling a flaky or reliable
// transport without touching any real socket.
type fakeSender struct {
	mu       sync.Mutex
	reliable bool
	sent     []sip.Message
	failNext int
	failErr  error
}

func newFakeSender(reliable bool) *fakeSender {
	return &fakeSender{reliable: reliable}
}

func (f *fakeSender) WriteMessage(msg sip.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return f.failErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) IsReliable() bool { return f.reliable }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() sip.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = 1
	f.failErr = err
}
