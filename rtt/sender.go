package rtt

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/sipcore/sipcore/metrics"
)

// SendIdleTime is how long the sender waits after the last transmitted
// character before emitting a redundant-only keepalive packet, per
// §4.5.1. Kept as a package var rather than a Sender field default so
// tests can shrink it without threading a config knob everywhere.
var SendIdleTime = 300 * time.Millisecond

// PacketSender writes one fully-framed RTP packet's bytes to the wire.
// dispatch's MessageChannel (or any thin UDP wrapper) can satisfy it with
// a one-line adapter.
type PacketSender interface {
	Send(data []byte) error
}

// Sender paces outgoing T.140 text into RED-redundant RTP packets. It
// owns the ring of not-yet-retired generations, the RTP sequence number,
// the clock-rate-1000 timestamp and the session's SSRC -- exactly the
// state §3 assigns to an RTT sender.
type Sender struct {
	params RttParameters
	out    PacketSender
	clock  Clock

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	queue chan string

	ssrc            uint32
	seq             uint16
	haveMessageStart bool
	messageStartMs  uint32
	ring            ring
}

// NewSender constructs a Sender bound to params and out. clock defaults
// to DefaultClock when nil.
func NewSender(params RttParameters, out PacketSender, clock Clock) (*Sender, error) {
	if out == nil {
		return nil, fmt.Errorf("rtt: sender requires a non-nil PacketSender")
	}
	if clock == nil {
		clock = DefaultClock
	}
	ssrc, err := randomUint32()
	if err != nil {
		return nil, fmt.Errorf("rtt: generating SSRC: %w", err)
	}
	seq, err := randomUint16()
	if err != nil {
		return nil, fmt.Errorf("rtt: generating initial sequence number: %w", err)
	}
	return &Sender{
		params: params,
		out:    out,
		clock:  clock,
		queue:  make(chan string, 256),
		ssrc:   ssrc,
		seq:    seq,
	}, nil
}

func randomUint32() (uint32, error) {
	var v uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func randomUint16() (uint16, error) {
	var v uint16
	if err := binary.Read(rand.Reader, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// Start begins the sender's pacing loop if it is not already running.
// Calling Start on an already-running sender is a no-op: the inverted
// guard a naive "if s.running { start }" would produce is exactly the
// bug this method must not have.
func (s *Sender) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop halts the pacing loop and waits for it to exit. Safe to call when
// already stopped, and safe to Start again afterward.
func (s *Sender) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Sender) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Enqueue appends text to the outgoing FIFO. Safe for concurrent callers;
// the pacing loop is the sole consumer.
func (s *Sender) Enqueue(text string) {
	s.queue <- text
}

func (s *Sender) run(ctx context.Context) {
	defer s.wg.Done()

	idleTimer := time.NewTimer(SendIdleTime)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.queue:
			s.sendPaced(ctx, text)
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(SendIdleTime)
		case <-idleTimer.C:
			if s.params.RedundancyLevel > 0 && s.ring.anyValid() {
				s.sendText("")
			}
			idleTimer.Reset(SendIdleTime)
		}
	}
}

// paceChunks splits text into the units actually handed to sendText. At
// cps <= 0 the whole string goes out as one packet; otherwise each rune
// becomes its own packet, paced 1000/cps ms apart by sendPaced.
func paceChunks(text string, cps int) []string {
	if cps <= 0 || text == "" {
		return []string{text}
	}
	runes := []rune(text)
	chunks := make([]string, len(runes))
	for i, r := range runes {
		chunks[i] = string(r)
	}
	return chunks
}

// sendPaced splits text per paceChunks and, when cps > 0, spaces each
// chunk's send 1000/cps ms apart per §4.5.1's pacing rule instead of
// emitting every rune back-to-back. The first chunk goes out immediately;
// ctx cancellation (Stop) aborts the wait for any remaining chunk.
func (s *Sender) sendPaced(ctx context.Context, text string) {
	chunks := paceChunks(text, s.params.CPS)
	if s.params.CPS <= 0 {
		for _, chunk := range chunks {
			s.sendText(chunk)
		}
		return
	}

	interval := time.Second / time.Duration(s.params.CPS)
	for i, chunk := range chunks {
		if i > 0 {
			wait := time.NewTimer(interval)
			select {
			case <-wait.C:
			case <-ctx.Done():
				wait.Stop()
				return
			}
		}
		s.sendText(chunk)
	}
}

// sendText runs the per-send procedure of §4.5.1 for one unit of new
// text (possibly empty, for an idle keepalive): build the RED payload
// from the ring's current generations plus the new text, frame it in an
// RTP packet, write it, then shift the ring and advance the sequence
// number.
func (s *Sender) sendText(text string) {
	text = normalizeLineEndings(text)
	payload := []byte(text)

	now := s.clock()
	if !s.haveMessageStart {
		s.haveMessageStart = true
		s.messageStartMs = now
	}
	// Truncated to the ring's 16-bit generation field; encodeRedHeader
	// masks it again to the wire's 14-bit time_offset, so only the low 14
	// bits ever reach the peer (§3's wrap bound already covers this).
	timeOffset := uint16(ElapsedMs(now, s.messageStartMs))

	redundant := s.ring.lastN(s.params.RedundancyLevel)
	usesRed := s.params.RedPayloadType != 0 && s.params.RedundancyLevel > 0

	pt := uint8(s.params.T140PayloadType)
	var body []byte
	if usesRed {
		pt = uint8(s.params.RedPayloadType)
		for _, g := range redundant {
			h := encodeRedHeader(uint8(s.params.T140PayloadType), g.timeOffsetMs, uint16(len(g.payload)))
			body = append(body, h[:]...)
		}
		body = append(body, encodePrimaryHeader(uint8(s.params.T140PayloadType)))
		for _, g := range redundant {
			body = append(body, g.payload...)
		}
	}
	body = append(body, payload...)

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         len(payload) > 0,
			PayloadType:    pt,
			SequenceNumber: s.seq,
			Timestamp:      now,
			SSRC:           s.ssrc,
		},
		Payload: body,
	}
	if raw, err := packet.Marshal(); err == nil {
		_ = s.out.Send(raw)
		metrics.RttPacketsSent.WithLabelValues(strconv.FormatBool(usesRed)).Inc()
	}

	s.seq++
	if usesRed {
		s.ring.push(generation{timeOffsetMs: timeOffset, payload: payload, valid: true})
	}
}
