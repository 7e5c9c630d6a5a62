// Package transaction implements the four RFC 3261 §17 transaction state
// machines: client INVITE, client non-INVITE, server INVITE and server
// non-INVITE. Each owns its own timers (armed on a shared timer.Wheel),
// its own copy of the request it governs, and reports its outcome through
// a termination-reason callback rather than raising synchronously, so the
// dispatcher above never blocks a transaction on transaction-user code.
package transaction

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sipcore/sipcore/sip"
)

// Reason enumerates why a transaction reached its Terminated state.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonFinalResponseReceived
	ReasonFinalResponseSent
	ReasonOkReceived
	ReasonNoResponseReceived
	ReasonAckNotReceived
	ReasonConnectionFailure
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonFinalResponseReceived:
		return "FinalResponseReceived"
	case ReasonFinalResponseSent:
		return "FinalResponseSent"
	case ReasonOkReceived:
		return "OkReceived"
	case ReasonNoResponseReceived:
		return "NoResponseReceived"
	case ReasonAckNotReceived:
		return "AckNotReceived"
	case ReasonConnectionFailure:
		return "ConnectionFailure"
	case ReasonCancelled:
		return "Cancelled"
	default:
		return "None"
	}
}

var (
	ErrTransactionTimeout    = errors.New("transaction timeout")
	ErrTransactionTransport  = errors.New("transaction transport error")
	ErrTransactionCanceled   = errors.New("transaction canceled")
	ErrTransactionTerminated = errors.New("transaction terminated")
)

func wrapTransportError(err error) error {
	return fmt.Errorf("%s: %w", err.Error(), ErrTransactionTransport)
}

// Sender is the minimal contract a transaction needs from whatever owns
// the wire: write one message, and report whether the underlying channel
// is reliable (governs whether retransmission timers run at all, and
// whether the "reliable" timers collapse to zero per RFC 3261 §17.1.1.2 /
// §17.2.1).
type Sender interface {
	WriteMessage(msg sip.Message) error
	IsReliable() bool
}

// Config carries the timer bases a dispatcher wants its transactions to
// use. The zero value is invalid; use DefaultConfig. TimerD is broken out
// from T1/T2/T4 because RFC 3261 fixes it at a minimum of 32s for
// unreliable transports independent of T1 -- tests that want a fast
// Completed-state wait override it directly rather than deriving it.
type Config struct {
	T1      time.Duration
	T2      time.Duration
	T4      time.Duration
	TimerD  time.Duration
}

// DefaultConfig returns the RFC 3261 default timer bases (500ms/4s/5s,
// Timer D 32s).
func DefaultConfig() Config {
	return Config{
		T1:     500 * time.Millisecond,
		T2:     4 * time.Second,
		T4:     5 * time.Second,
		TimerD: 32 * time.Second,
	}
}

func (c Config) timerB() time.Duration { return 64 * c.T1 }
func (c Config) timerD() time.Duration { return c.TimerD }

// keySeparator matches the teacher's TxSeperator constant.
const keySeparator = "__"

func isRFC3261Branch(branch string) bool {
	return branch != "" &&
		strings.HasPrefix(branch, sip.RFC3261BranchMagicCookie) &&
		strings.TrimPrefix(branch, sip.RFC3261BranchMagicCookie) != ""
}

// ClientKey derives the client-side transaction key (branch, CSeq-method)
// per RFC 3261 §17.1.3, mapping ACK to INVITE for matching responses.
func ClientKey(msg sip.Message) (string, error) {
	cseq, ok := msg.CSeq()
	if !ok {
		return "", fmt.Errorf("CSeq header missing in %q", sip.MessageShortString(msg))
	}
	method := cseq.MethodName
	if method == sip.ACK {
		method = sip.INVITE
	}

	via, ok := msg.Via()
	if !ok {
		return "", fmt.Errorf("Via header missing in %q", sip.MessageShortString(msg))
	}
	branch, ok := via.Params.Get("branch")
	if !ok || !isRFC3261Branch(branch) {
		return "", fmt.Errorf("branch missing or not RFC3261 in %q", sip.MessageShortString(msg))
	}

	var b strings.Builder
	b.Grow(len(branch) + len(method) + len(keySeparator))
	b.WriteString(branch)
	b.WriteString(keySeparator)
	b.WriteString(string(method))
	return b.String(), nil
}

// ServerKey derives the server-side transaction key (branch, sent-by,
// CSeq-method) per RFC 3261 §17.2.3. asMethod, when non-empty, overrides
// the method component -- used to compute an INVITE's key for a CANCEL or
// its non-2xx ACK, which must match the INVITE transaction they target.
func ServerKey(msg sip.Message, asMethod sip.RequestMethod) (string, error) {
	via, ok := msg.Via()
	if !ok {
		return "", fmt.Errorf("Via header missing in %q", sip.MessageShortString(msg))
	}
	cseq, ok := msg.CSeq()
	if !ok {
		return "", fmt.Errorf("CSeq header missing in %q", sip.MessageShortString(msg))
	}
	method := cseq.MethodName
	if method == sip.ACK {
		method = sip.INVITE
	}
	if asMethod != "" {
		method = asMethod
	}

	branch, _ := via.Params.Get("branch")
	if !isRFC3261Branch(branch) {
		return "", fmt.Errorf("non-RFC3261 branch not supported in %q", sip.MessageShortString(msg))
	}

	port := via.Port
	if port <= 0 {
		port = int(sip.DefaultPort(via.Transport))
	}

	var b strings.Builder
	b.WriteString(branch)
	b.WriteString(keySeparator)
	b.WriteString(via.Host)
	b.WriteString(keySeparator)
	b.WriteString(strconv.Itoa(port))
	b.WriteString(keySeparator)
	b.WriteString(string(method))
	return b.String(), nil
}

// Transaction is the common surface all four FSM kinds satisfy, matching
// the §4.3 description: id, originating request, current state (exposed
// only via Done/Err/Reason), and a completion signal.
type Transaction interface {
	Key() string
	Origin() *sip.Request
	Done() <-chan struct{}
	Err() error
	Reason() Reason
	Terminate()
}

// store is a generic, mutex-protected index of live transactions keyed by
// transaction id, mirroring the teacher's transactionStore[T].
type store[T Transaction] struct {
	mu    sync.RWMutex
	items map[string]T
}

func newStore[T Transaction]() *store[T] {
	return &store[T]{items: make(map[string]T)}
}

func (s *store[T]) put(key string, tx T) {
	s.mu.Lock()
	s.items[key] = tx
	s.mu.Unlock()
}

func (s *store[T]) get(key string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.items[key]
	return tx, ok
}

func (s *store[T]) drop(key string) bool {
	s.mu.Lock()
	_, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()
	return ok
}

func (s *store[T]) all() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.items))
	for _, tx := range s.items {
		out = append(out, tx)
	}
	return out
}

// Store is the exported, two-sided index a dispatcher keeps: one half for
// client transactions, one for server transactions. Kept here rather than
// in the dispatch package so that key derivation and storage stay next to
// the FSMs they index -- the dispatcher only ever calls NewStore once.
type Store struct {
	Client *store[ClientTransaction]
	Server *store[ServerTransaction]
}

// ClientTransaction is satisfied by both client FSM kinds.
type ClientTransaction interface {
	Transaction
	Responses() <-chan *sip.Response
}

// ServerTransaction is satisfied by both server FSM kinds.
type ServerTransaction interface {
	Transaction
	Receive(req *sip.Request)
	Respond(res *sip.Response) error
}

// NewStore creates an empty transaction index.
func NewStore() *Store {
	return &Store{
		Client: newStore[ClientTransaction](),
		Server: newStore[ServerTransaction](),
	}
}

func (s *Store) PutClient(key string, tx ClientTransaction) { s.Client.put(key, tx) }
func (s *Store) GetClient(key string) (ClientTransaction, bool) { return s.Client.get(key) }
func (s *Store) DropClient(key string) bool                  { return s.Client.drop(key) }
func (s *Store) AllClient() []ClientTransaction               { return s.Client.all() }

func (s *Store) PutServer(key string, tx ServerTransaction) { s.Server.put(key, tx) }
func (s *Store) GetServer(key string) (ServerTransaction, bool) { return s.Server.get(key) }
func (s *Store) DropServer(key string) bool                  { return s.Server.drop(key) }
func (s *Store) AllServer() []ServerTransaction               { return s.Server.all() }

// TerminateAll terminates every live transaction with reason, used when a
// dispatcher's channel closes or it shuts down. Matches invariant #2: once
// Terminate returns, the transaction has already removed itself from the
// store via its onTerminate callback.
func (s *Store) TerminateAll(reason Reason) {
	for _, tx := range s.Client.all() {
		tx.(interface{ terminateWithReason(Reason) }).terminateWithReason(reason)
	}
	for _, tx := range s.Server.all() {
		tx.(interface{ terminateWithReason(Reason) }).terminateWithReason(reason)
	}
}
