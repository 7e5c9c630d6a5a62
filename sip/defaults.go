package sip

// DefaultProtocol is assumed for a Via header that carries no transport
// parameter at all, which RFC 3261 treats as a parse error in practice but
// which this codec tolerates by falling back to UDP.
const DefaultProtocol = "UDP"

// DefaultPort returns the RFC 3261 §19.1.2 default port for transport,
// case-insensitively: 5061 for TLS, 5060 for everything else.
func DefaultPort(transport string) int {
	switch transport {
	case "TLS", "tls":
		return 5061
	default:
		return 5060
	}
}

// IsReliable reports whether network guarantees in-order delivery, which
// governs whether the transaction layer arms retransmission timers at all.
func IsReliable(network string) bool {
	switch network {
	case "udp", "UDP":
		return false
	default:
		return true
	}
}
