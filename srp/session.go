package srp

import (
	"errors"
	"sync"

	"github.com/coreos/go-sanboot/scsi"
	"github.com/prometheus/common/log"
)

// Errors surfaced by a Session, matching the taxonomy in the design's error
// handling section.
var (
	ErrAddrInUse = errors.New("srp: tag space exhausted")
	ErrBusy      = errors.New("srp: command issued before login completed")
	ErrPerm      = errors.New("srp: login rejected")
	ErrNoEnt     = errors.New("srp: response carried an unknown tag")
	ErrNotSupported = errors.New("srp: unrecognised information unit type")
	ErrInvalid   = errors.New("srp: malformed information unit")
)

// Socket is the minimal send-side contract a Session needs from its
// transport. Framing, connection setup, and the receive loop that feeds
// Deliver are not part of Session; NetSocket supplies all three over a
// net.Conn.
type Socket interface {
	Send(iu []byte) error
}

// loginState tracks the session's position in the LOGGING_IN -> LOGGED_IN
// -> DEAD state machine from §4.2.
type loginState int

const (
	loggingIn loginState = iota
	loggedIn
	dead
)

// outstanding is one entry in the tag-keyed outstanding-command table. It
// mirrors srp_command's role in srp.c: a record reachable both from the
// session's table and, implicitly, from the SCSI layer that is waiting on
// it, with no possibility of the table entry outliving a caller who still
// needs the result (it's removed, synchronously, before the callback that
// consumes it runs).
type outstanding struct {
	onComplete func(scsi.Response, error)
}

// Session implements scsi.Transport on top of an SRP wire connection. It
// owns the tag allocator, the outstanding-command table, the login state
// machine, and the flow-control window.
type Session struct {
	mu sync.Mutex

	socket Socket
	lun    scsi.LUN8

	initiatorPort, targetPort [16]byte

	state       loginState
	nextTag     uint32
	out         map[uint32]*outstanding
	fatal       error

	// OnWindowChange is invoked (outside the lock) whenever the window
	// transitions from zero, unblocking a SCSI session waiting to issue
	// its first command.
	OnWindowChange func()

	// Metrics, if non-nil, is notified of login completion and rejection,
	// tag space exhaustion, responses for unknown tags, and the
	// outstanding-command count, for observability.
	Metrics MetricsSink
}

// MetricsSink lets callers observe session-internal events without this
// package importing a concrete metrics implementation.
type MetricsSink interface {
	LoginCompleted()
	LoginRejected()
	TagSpaceExhausted()
	ResponseForUnknownTag()
	OutstandingCount(n int)
}

// Open constructs a Session bound to socket and immediately sends
// LOGIN_REQ. Per §4.2, Open returns as soon as the request is sent — login
// completion is asynchronous and observed through Deliver.
func Open(socket Socket, initiatorPort, targetPort [16]byte, lun scsi.LUN8) (*Session, error) {
	s := &Session{
		socket:        socket,
		lun:           lun,
		initiatorPort: initiatorPort,
		targetPort:    targetPort,
		state:         loggingIn,
		out:           make(map[uint32]*outstanding),
	}
	if err := socket.Send(BuildLoginReq(0, initiatorPort, targetPort)); err != nil {
		return nil, err
	}
	return s, nil
}

// Window implements scsi.Transport. It is zero before login completes and
// unbounded (represented as 1, since scsi.Session only tests for > 0)
// afterward.
func (s *Session) Window() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == loggedIn {
		return 1
	}
	return 0
}

// Command implements scsi.Transport: it allocates a tag, serializes a CMD
// IU, registers the completion callback, and sends it.
func (s *Session) Command(cdb []byte, dataOut, dataIn []byte, onComplete func(scsi.Response, error)) (uint32, error) {
	s.mu.Lock()
	if s.state != loggedIn {
		s.mu.Unlock()
		return 0, ErrBusy
	}
	tag, err := s.allocTag()
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.out[tag] = &outstanding{onComplete: onComplete}
	n := len(s.out)
	s.mu.Unlock()

	if s.Metrics != nil {
		s.Metrics.OutstandingCount(n)
	}

	iu := BuildCmd(uint64(tag), s.lun, cdb, uint32(len(dataOut)), uint32(len(dataIn)), 0)
	if err := s.socket.Send(iu); err != nil {
		s.mu.Lock()
		delete(s.out, tag)
		s.mu.Unlock()
		return 0, err
	}
	return tag, nil
}

// allocTag returns the next free 16-bit tag, cycling through all 65536
// values before giving up. Must be called with s.mu held.
func (s *Session) allocTag() (uint32, error) {
	for attempt := 0; attempt < 1<<16; attempt++ {
		tag := s.nextTag & 0xFFFF
		s.nextTag++
		if _, busy := s.out[tag]; !busy {
			return tag, nil
		}
	}
	if s.Metrics != nil {
		s.Metrics.TagSpaceExhausted()
	}
	return 0, ErrAddrInUse
}

// Deliver hands a raw information unit received off the wire to the
// session for processing. It is the single entry point for everything
// that arrives asynchronously; the caller (an external socket-reading
// loop) is responsible for framing.
func (s *Session) Deliver(iu []byte) error {
	typ, err := IUType(iu)
	if err != nil {
		s.closeWithError(ErrInvalid)
		return err
	}
	switch typ {
	case TypeLoginRsp:
		return s.handleLoginRsp(iu)
	case TypeLoginRej:
		return s.handleLoginRej(iu)
	case TypeRsp:
		return s.handleRsp(iu)
	default:
		log.Errorf("srp: unrecognised IU type %#x", typ)
		s.closeWithError(ErrNotSupported)
		return ErrNotSupported
	}
}

func (s *Session) handleLoginRsp(iu []byte) error {
	s.mu.Lock()
	if s.state == dead {
		s.mu.Unlock()
		return nil
	}
	s.state = loggedIn
	s.mu.Unlock()

	log.Debugf("srp: login completed")
	if s.Metrics != nil {
		s.Metrics.LoginCompleted()
	}
	if s.OnWindowChange != nil {
		s.OnWindowChange()
	}
	return nil
}

func (s *Session) handleLoginRej(iu []byte) error {
	_, reason, err := decodeLoginRej(iu)
	if err != nil {
		s.closeWithError(ErrInvalid)
		return err
	}
	log.Errorf("srp: login rejected, reason %#x", reason)
	if s.Metrics != nil {
		s.Metrics.LoginRejected()
	}
	s.closeWithError(ErrPerm)
	return ErrPerm
}

func (s *Session) handleRsp(iu []byte) error {
	tag, resp, err := DecodeRsp(iu)
	if err != nil {
		s.closeWithError(ErrInvalid)
		return err
	}

	s.mu.Lock()
	entry, ok := s.out[uint32(tag)]
	if ok {
		delete(s.out, uint32(tag))
	}
	n := len(s.out)
	s.mu.Unlock()

	if !ok {
		log.Debugf("srp: response for unknown tag %d, ignored", tag)
		if s.Metrics != nil {
			s.Metrics.ResponseForUnknownTag()
		}
		return ErrNoEnt
	}
	if s.Metrics != nil {
		s.Metrics.OutstandingCount(n)
	}

	// Hold a local copy of the callback and invoke it only after removing
	// the table entry, so a re-entrant close triggered from within the
	// callback cannot find (and double-complete) this entry.
	entry.onComplete(resp, nil)
	return nil
}

// Close propagates reason to every outstanding command and marks the
// session dead. It is also how an external socket-close notification
// reaches this layer.
func (s *Session) Close(reason error) {
	s.closeWithError(reason)
}

func (s *Session) closeWithError(reason error) {
	s.mu.Lock()
	if s.state == dead {
		s.mu.Unlock()
		return
	}
	s.state = dead
	s.fatal = reason
	pending := s.out
	s.out = make(map[uint32]*outstanding)
	s.mu.Unlock()

	for _, entry := range pending {
		entry.onComplete(scsi.Response{}, reason)
	}
}

// Describe returns the port identifiers and LUN this session was opened
// with, for publication into a boot-firmware table.
func (s *Session) Describe() (initiatorPort, targetPort [16]byte, lun scsi.LUN8) {
	return s.initiatorPort, s.targetPort, s.lun
}
