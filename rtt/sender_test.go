package rtt

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePacketSender struct {
	mu  sync.Mutex
	out [][]byte
}

func (f *fakePacketSender) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, append([]byte(nil), data...))
	return nil
}

func (f *fakePacketSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

func (f *fakePacketSender) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return nil
	}
	return f.out[len(f.out)-1]
}

func testClock(start uint32) (Clock, func(uint32)) {
	var mu sync.Mutex
	now := start
	clock := func() uint32 {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(delta uint32) {
		mu.Lock()
		now += delta
		mu.Unlock()
	}
	return clock, advance
}

func TestSenderStartIsIdempotent(t *testing.T) {
	params := DefaultRttParameters()
	out := &fakePacketSender{}
	clock, _ := testClock(1000)
	s, err := NewSender(params, out, clock)
	require.NoError(t, err)

	s.Start()
	s.Start()
	s.Start()
	assert.True(t, s.isRunning())

	s.Stop()
	assert.False(t, s.isRunning())
}

func TestSenderStopThenStartRestartsLoop(t *testing.T) {
	params := DefaultRttParameters()
	params.RedundancyLevel = 0
	out := &fakePacketSender{}
	clock, _ := testClock(1000)
	s, err := NewSender(params, out, clock)
	require.NoError(t, err)

	s.Start()
	s.Stop()
	s.Start()
	defer s.Stop()

	s.Enqueue("hi")
	require.Eventually(t, func() bool { return out.count() == 1 }, time.Second, time.Millisecond)
}

func TestSenderWithoutRedSendsPlainT140Payload(t *testing.T) {
	params := DefaultRttParameters()
	params.RedundancyLevel = 0
	params.RedPayloadType = 0
	out := &fakePacketSender{}
	clock, _ := testClock(5000)
	s, err := NewSender(params, out, clock)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	s.Enqueue("hi")
	require.Eventually(t, func() bool { return out.count() == 1 }, time.Second, time.Millisecond)

	var r Receiver
	r.params = params
	text, err := r.ProcessPacket(out.last())
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
}

func TestSenderWithRedundancyCarriesPriorGenerations(t *testing.T) {
	params := DefaultRttParameters()
	params.RedundancyLevel = 2
	out := &fakePacketSender{}
	clock, advance := testClock(1000)
	s, err := NewSender(params, out, clock)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	s.Enqueue("a")
	require.Eventually(t, func() bool { return out.count() == 1 }, time.Second, time.Millisecond)
	advance(50)
	s.Enqueue("b")
	require.Eventually(t, func() bool { return out.count() == 2 }, time.Second, time.Millisecond)

	pkt := out.last()
	if len(pkt) == 0 {
		t.Fatal("expected a non-empty RTP packet")
	}

	var decoded rtp.Packet
	require.NoError(t, decoded.Unmarshal(pkt))
	segs, primary, err := NewReceiver(params).split(decoded.PayloadType, decoded.Payload)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, uint16(1), segs[0].header.BlockLength)
	assert.Equal(t, "b", string(primary))
}

func TestSenderEmitsIdleKeepaliveWhileRingNonEmpty(t *testing.T) {
	old := SendIdleTime
	SendIdleTime = 20 * time.Millisecond
	defer func() { SendIdleTime = old }()

	params := DefaultRttParameters()
	params.RedundancyLevel = 2
	out := &fakePacketSender{}
	clock, _ := testClock(1000)
	s, err := NewSender(params, out, clock)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	s.Enqueue("hi")
	require.Eventually(t, func() bool { return out.count() >= 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return out.count() >= 2 }, time.Second, 2*time.Millisecond)
}

func TestPaceChunksSplitsByRuneWhenCPSSet(t *testing.T) {
	chunks := paceChunks("hey", 10)
	assert.Equal(t, []string{"h", "e", "y"}, chunks)
}

func TestPaceChunksKeepsWholeStringWhenUnpaced(t *testing.T) {
	chunks := paceChunks("hey", 0)
	assert.Equal(t, []string{"hey"}, chunks)
}
