package rtt

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"

	"github.com/sipcore/sipcore/metrics"
)

// dedupWindow bounds how many recent generation offsets the receiver
// remembers for duplicate detection. Redundancy levels never exceed
// MaxRedundancy per packet, so a small multiple of it is ample.
const dedupWindow = 32

// Receiver reassembles T.140 text from a stream of RED-framed RTP
// packets. The protocol does not specify a receiver state machine
// directly; this implements the reassembly behavior the sender's wire
// contract (§4.5.1, §4.5.2) implies: fill sequence gaps from whatever
// redundant generations the next packet still carries, and never emit
// the same generation twice.
type Receiver struct {
	params RttParameters

	mu             sync.Mutex
	haveLast       bool
	lastSeq        uint16
	haveStart      bool
	messageStartMs uint32
	delivered      [dedupWindow]uint16
	numSeen        int
}

// NewReceiver constructs a Receiver expecting packets under params.
func NewReceiver(params RttParameters) *Receiver {
	return &Receiver{params: params}
}

// ProcessPacket unmarshals one RTP packet and returns the newly
// recovered text, oldest-first, including any gap-filled redundant
// generations ahead of the packet's own primary payload.
func (r *Receiver) ProcessPacket(raw []byte) (string, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return "", fmt.Errorf("rtt: unmarshaling RTP packet: %w", err)
	}
	return r.processPayload(pkt.Header.SequenceNumber, pkt.Header.Timestamp, pkt.Header.PayloadType, pkt.Payload)
}

func (r *Receiver) processPayload(seq uint16, timestamp uint32, payloadType uint8, payload []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	redundant, primary, err := r.split(payloadType, payload)
	if err != nil {
		return "", err
	}

	// The first packet's RTP timestamp defines the session's message
	// start: its own generation has a time_offset of zero by
	// construction (§4.5.1), the same reference the sender uses to
	// stamp every later redundant block's time_offset.
	if !r.haveStart {
		r.haveStart = true
		r.messageStartMs = timestamp
	}
	primaryOffset := ElapsedMs(timestamp, r.messageStartMs)

	var out []byte

	if r.haveLast && seqGreater(seq, r.lastSeq) {
		gap := seqGap(seq, r.lastSeq)
		if gap > 1 {
			for _, g := range redundant {
				if r.isDelivered(g.header.TimeOffsetMs) {
					continue
				}
				out = append(out, payload[g.start:g.start+int(g.header.BlockLength)]...)
				r.markDelivered(g.header.TimeOffsetMs)
				metrics.RttGenerationsRecovered.Inc()
			}
		}
	}

	if len(primary) > 0 && !r.isDelivered(uint16(primaryOffset)) {
		out = append(out, primary...)
		r.markDelivered(uint16(primaryOffset))
	}

	if !r.haveLast || seqGreater(seq, r.lastSeq) {
		r.haveLast = true
		r.lastSeq = seq
	}

	return string(out), nil
}

type redSegment struct {
	header redHeader
	start  int
}

// split separates a RED payload into its redundant-block descriptors and
// the primary (newest) payload slice. When the media isn't using RED at
// all, the whole payload is the primary text.
func (r *Receiver) split(payloadType uint8, payload []byte) ([]redSegment, []byte, error) {
	if r.params.RedPayloadType == 0 || int(payloadType) != r.params.RedPayloadType {
		return nil, payload, nil
	}

	var segments []redSegment
	offset := 0
	for offset < len(payload) {
		if !hasRedMarker(payload[offset]) {
			break
		}
		if offset+4 > len(payload) {
			return nil, nil, fmt.Errorf("rtt: truncated RED block header")
		}
		var hdrBytes [4]byte
		copy(hdrBytes[:], payload[offset:offset+4])
		h := decodeRedHeader(hdrBytes)
		segments = append(segments, redSegment{header: h})
		offset += 4
	}
	if offset >= len(payload) {
		return nil, nil, fmt.Errorf("rtt: missing RED primary header")
	}
	offset++ // primary header byte

	for i := range segments {
		segments[i].start = offset
		offset += int(segments[i].header.BlockLength)
		if offset > len(payload) {
			return nil, nil, fmt.Errorf("rtt: RED block length overruns payload")
		}
	}
	primary := payload[offset:]
	return segments, primary, nil
}

func (r *Receiver) isDelivered(timeOffset uint16) bool {
	for i := 0; i < r.numSeen && i < dedupWindow; i++ {
		if r.delivered[i] == timeOffset {
			return true
		}
	}
	return false
}

func (r *Receiver) markDelivered(timeOffset uint16) {
	idx := r.numSeen % dedupWindow
	r.delivered[idx] = timeOffset
	r.numSeen++
}
