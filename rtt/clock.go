// Package rtt implements the RFC 4103 real-time text engine: a sender that
// paces outgoing text into RED-redundant RTP packets and a receiver that
// reconstructs text from a packet stream using the sender's redundancy.
package rtt

import "time"

// Clock returns the current instant in milliseconds, truncated to 32 bits.
// Swappable in tests so pacing and idle-keepalive behavior can be driven
// deterministically instead of by wall-clock sleeps, the same pattern
// timer.Clock uses for the transaction sublayer.
type Clock func() uint32

var processStart = time.Now()

// DefaultClock reads the monotonic time elapsed since process start. The
// wrap at 2^32 ms (~49.7 days) is intentional -- every consumer compares
// timestamps with ElapsedMs rather than a bare subtraction that could be
// read as signed.
func DefaultClock() uint32 {
	return uint32(time.Since(processStart).Milliseconds())
}

// ElapsedMs computes (t2 - t1) mod 2^32 per §4.6, correct across the wrap
// because uint32 subtraction already wraps modularly in Go.
func ElapsedMs(t2, t1 uint32) uint32 {
	return t2 - t1
}

// seqGreater reports whether a is later than b in RTP sequence-number
// space, using a signed 16-bit forward window of 2^15 as RFC 1982-style
// serial number comparisons do.
func seqGreater(a, b uint16) bool {
	return int16(a-b) > 0
}

// seqGap returns the signed forward distance from last to seq: 1 if seq is
// the very next one, above 1 if packets were skipped, 0 for a duplicate of
// last and negative if seq is older.
func seqGap(seq, last uint16) int {
	return int(int16(seq - last))
}
