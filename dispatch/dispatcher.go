// Package dispatch implements the transport dispatcher sitting above the
// transaction sublayer: it owns a single MessageChannel, the live
// transaction index, and the single-threaded loop that drains inbound
// bytes, hands them to the codec and routes the parsed message to whatever
// transaction (if any) owns it.
package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sipcore/sipcore/metrics"
	"github.com/sipcore/sipcore/sip"
	"github.com/sipcore/sipcore/timer"
	"github.com/sipcore/sipcore/transaction"
)

var defLogger *slog.Logger

// SetDefaultLogger sets the logger used by dispatchers constructed without
// an explicit WithLogger option. Must be called before NewDispatcher.
func SetDefaultLogger(l *slog.Logger) { defLogger = l }

func defaultLogger() *slog.Logger {
	if defLogger != nil {
		return defLogger
	}
	return slog.Default()
}

// inboundMaxWait bounds how long the dispatcher loop idles between queue
// checks, matching the "semaphore with a 100ms max wait" scheduling model.
const inboundMaxWait = 100 * time.Millisecond

type rawMessage struct {
	remote string
	data   []byte
}

// RequestHandler is invoked for an inbound request no live server
// transaction claimed -- a new request the transaction user must start a
// transaction for (or an ACK/CANCEL that legitimately falls outside the
// transaction layer).
type RequestHandler func(req *sip.Request, remote string)

// ResponseHandler is invoked for an inbound response no live client
// transaction claimed.
type ResponseHandler func(res *sip.Response, remote string)

// Dispatcher owns one MessageChannel and the transaction index keyed by
// transaction ID, draining inbound bytes on a single goroutine so no
// per-transaction locking is needed above the FSMs themselves.
type Dispatcher struct {
	log     *slog.Logger
	channel MessageChannel
	store   *transaction.Store
	cfg     transaction.Config
	wheel   *timer.Wheel

	onRequest  RequestHandler
	onResponse ResponseHandler

	inbound chan rawMessage
	closing chan struct{}
	closed  chan struct{}
	once    sync.Once

	sendMu sync.Mutex
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func WithTimerConfig(cfg transaction.Config) Option { return func(d *Dispatcher) { d.cfg = cfg } }

func WithRequestHandler(h RequestHandler) Option { return func(d *Dispatcher) { d.onRequest = h } }

func WithResponseHandler(h ResponseHandler) Option { return func(d *Dispatcher) { d.onResponse = h } }

// WithInboundQueueSize overrides the inbound channel's buffer (default 256).
func WithInboundQueueSize(n int) Option {
	return func(d *Dispatcher) { d.inbound = make(chan rawMessage, n) }
}

// NewDispatcher wires channel's inbound callback into the dispatch loop and
// starts that loop in a background goroutine. wheel is shared across every
// transaction this dispatcher starts.
func NewDispatcher(channel MessageChannel, wheel *timer.Wheel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:     defaultLogger(),
		channel: channel,
		store:   transaction.NewStore(),
		cfg:     transaction.DefaultConfig(),
		wheel:   wheel,
		inbound: make(chan rawMessage, 256),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}

	channel.OnMessage(func(remote string, data []byte) {
		select {
		case d.inbound <- rawMessage{remote: remote, data: data}:
		case <-d.closing:
		}
	})

	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.closed)
	for {
		select {
		case <-d.closing:
			return
		case m := <-d.inbound:
			d.handleInbound(m.remote, m.data)
		case <-time.After(inboundMaxWait):
		}
	}
}

func (d *Dispatcher) handleInbound(remote string, data []byte) {
	msg, err := sip.ParseMessage(data)
	if err != nil {
		d.log.Warn("dropping malformed message", "remote", remote, "err", err)
		return
	}

	switch m := msg.(type) {
	case *sip.Request:
		d.log.Debug("sip read", "remote", remote, "msg", m.Short())
		d.routeRequest(m, remote)
	case *sip.Response:
		d.log.Debug("sip read", "remote", remote, "msg", m.Short())
		d.routeResponse(m, remote)
	default:
		d.log.Warn("dropping message of unknown kind", "remote", remote)
	}
}

func (d *Dispatcher) routeRequest(req *sip.Request, remote string) {
	switch req.Method {
	case sip.ACK:
		key, err := transaction.ServerKey(req, sip.INVITE)
		if err == nil {
			if tx, ok := d.store.GetServer(key); ok {
				if ackable, ok := tx.(interface{ ReceiveAck(*sip.Request) }); ok {
					ackable.ReceiveAck(req)
					metrics.MessagesReceived.WithLabelValues("request", "matched").Inc()
					return
				}
			}
		}
		// An ACK that matches no server INVITE transaction (normally the
		// end-to-end ACK for a 2xx, which carries its own branch) goes to
		// the transaction user for dialog routing.
		metrics.MessagesReceived.WithLabelValues("request", "unmatched").Inc()
		if d.onRequest != nil {
			d.onRequest(req, remote)
		}
	case sip.CANCEL:
		key, err := transaction.ServerKey(req, sip.INVITE)
		matched := false
		if err == nil {
			if tx, ok := d.store.GetServer(key); ok {
				if cancelable, ok := tx.(interface {
					NotifyCancel(*sip.Request)
				}); ok {
					cancelable.NotifyCancel(req)
					matched = true
				}
			}
		}
		// The CANCEL itself is its own server transaction; the
		// transaction user decides how to answer it.
		if matched {
			metrics.MessagesReceived.WithLabelValues("request", "matched").Inc()
		} else {
			metrics.MessagesReceived.WithLabelValues("request", "unmatched").Inc()
		}
		if d.onRequest != nil {
			d.onRequest(req, remote)
		}
	default:
		key, err := transaction.ServerKey(req, "")
		if err != nil {
			d.log.Warn("rejecting request with unusable transaction key", "err", err)
			return
		}
		if tx, ok := d.store.GetServer(key); ok {
			metrics.MessagesReceived.WithLabelValues("request", "matched").Inc()
			tx.Receive(req)
			return
		}
		metrics.MessagesReceived.WithLabelValues("request", "unmatched").Inc()
		if d.onRequest != nil {
			d.onRequest(req, remote)
		}
	}
}

func (d *Dispatcher) routeResponse(res *sip.Response, remote string) {
	key, err := transaction.ClientKey(res)
	if err != nil {
		d.log.Warn("dropping response with unusable transaction key", "err", err)
		return
	}
	if tx, ok := d.store.GetClient(key); ok {
		if receiver, ok := tx.(interface{ Receive(*sip.Response) }); ok {
			receiver.Receive(res)
			metrics.MessagesReceived.WithLabelValues("response", "matched").Inc()
			return
		}
	}
	metrics.MessagesReceived.WithLabelValues("response", "unmatched").Inc()
	if d.onResponse != nil {
		d.onResponse(res, remote)
	}
}

// channelSender adapts a Dispatcher+remote pair to transaction.Sender,
// serializing writes through the dispatcher's single send lock so request
// and response bytes for different transactions never interleave on a
// byte-stream channel.
type channelSender struct {
	d      *Dispatcher
	remote string
}

func (s *channelSender) WriteMessage(msg sip.Message) error {
	return s.d.writeTo(msg, s.remote)
}

func (s *channelSender) IsReliable() bool { return s.d.channel.IsReliable() }

func (d *Dispatcher) writeTo(msg sip.Message, remote string) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	data := []byte(msg.String())
	if err := d.channel.Send(remote, data); err != nil {
		d.log.Error("sip write failed", "remote", remote, "err", err)
		return wrapChannelError("send", err)
	}
	d.log.Debug("sip write", "remote", remote, "msg", msg.Short())
	kind := "response"
	if _, ok := msg.(*sip.Request); ok {
		kind = "request"
	}
	metrics.MessagesSent.WithLabelValues(kind).Inc()
	return nil
}

// SendRequest writes req to remote without starting any transaction.
func (d *Dispatcher) SendRequest(req *sip.Request, remote string) error {
	return d.writeTo(req, remote)
}

// SendResponse writes res to remote without starting any transaction.
func (d *Dispatcher) SendResponse(res *sip.Response, remote string) error {
	return d.writeTo(res, remote)
}

// SendRaw writes pre-framed bytes (an RTP packet from the RTT engine,
// say) to remote through the same serialized send path SIP messages use.
func (d *Dispatcher) SendRaw(remote string, data []byte) error {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if err := d.channel.Send(remote, data); err != nil {
		d.log.Error("raw write failed", "remote", remote, "err", err)
		return wrapChannelError("send", err)
	}
	return nil
}

// RTTSender binds a Dispatcher and a fixed remote endpoint to rtt.PacketSender,
// so an rtt.Sender can write its RTP packets through the same MessageChannel
// the SIP signaling for the call uses.
type RTTSender struct {
	d      *Dispatcher
	remote string
}

// NewRTTSender returns an rtt.PacketSender that writes to remote through d.
func NewRTTSender(d *Dispatcher, remote string) *RTTSender {
	return &RTTSender{d: d, remote: remote}
}

func (r *RTTSender) Send(data []byte) error {
	return r.d.SendRaw(r.remote, data)
}

// Close terminates every live transaction with ConnectionFailure, stops the
// dispatch loop and closes the underlying channel, in that order, matching
// the shutdown sequencing in §5. Safe to call more than once.
func (d *Dispatcher) Close() error {
	var err error
	d.once.Do(func() {
		d.store.TerminateAll(transaction.ReasonConnectionFailure)
		close(d.closing)
		<-d.closed
		err = d.channel.Close()
	})
	return err
}
