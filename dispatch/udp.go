package dispatch

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
)

// udpReadBufferSize bounds a single ReadFrom call, matching the teacher's
// transport buffer sizing for a UDP listener.
const udpReadBufferSize = 65535

// UDPChannel is a MessageChannel backed by a single unconnected UDP socket,
// the transport this module's cmd binary listens on. It never dials out:
// every send targets whatever remote address the caller names, mirroring
// how a UDP listener doubles as a "connection" to every peer in sipgo's
// transport layer.
type UDPChannel struct {
	conn *net.UDPConn
	log  *slog.Logger

	onMessage func(remote string, data []byte)
	closed    chan struct{}
}

// ListenUDP opens a UDP socket on addr and returns a channel ready for a
// Dispatcher to drive. The caller must still call OnMessage (done for it by
// NewDispatcher) before any datagram is read.
func ListenUDP(addr string, log *slog.Logger) (*UDPChannel, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = defaultLogger()
	}
	return &UDPChannel{conn: conn, log: log, closed: make(chan struct{})}, nil
}

func (c *UDPChannel) OnMessage(h func(remote string, data []byte)) {
	c.onMessage = h
	go c.readLoop()
}

func (c *UDPChannel) readLoop() {
	buf := make([]byte, udpReadBufferSize)
	for {
		n, raddr, err := c.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.log.Error("udp read error", "err", err)
			return
		}
		data := buf[:n]
		// A bare CRLF (or CRLFCRLF) keepalive carries no message; RFC 5626
		// relies on exactly this to probe NAT bindings.
		if len(bytes.Trim(data, "\r\n")) == 0 {
			continue
		}
		cp := make([]byte, n)
		copy(cp, data)
		if c.onMessage != nil {
			c.onMessage(raddr.String(), cp)
		}
	}
}

func (c *UDPChannel) Send(remote string, data []byte) error {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return &ChannelError{Op: "send", Remote: remote, Unreachable: true, Err: err}
	}
	if _, err := c.conn.WriteTo(data, raddr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return &ChannelError{Op: "send", Remote: remote, Disconnected: true, Err: err}
		}
		return &ChannelError{Op: "send", Remote: remote, Unreachable: true, Err: err}
	}
	return nil
}

func (c *UDPChannel) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	return c.conn.Close()
}

func (c *UDPChannel) LocalEndpoint() string { return c.conn.LocalAddr().String() }

func (c *UDPChannel) IsReliable() bool { return false }
