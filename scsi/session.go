package scsi

import (
	"errors"
	"sync"

	"github.com/prometheus/common/log"
)

// MaxRetries bounds the number of times a Command is re-issued after a
// non-zero status before the failure is surfaced to the caller.
const MaxRetries = 10

var (
	// ErrIO is returned once a Command has exhausted MaxRetries against a
	// non-zero completion status.
	ErrIO = errors.New("scsi: command failed after retries")
	// ErrBusy is returned when a command is issued before the transport
	// reports a usable window.
	ErrBusy = errors.New("scsi: no transport window available")
)

// Kind distinguishes the three command shapes this session knows how to
// build and retry. Go has no function-pointer-table idiom for this; a small
// tagged variant plus a switch in Command.wire stands in for it.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
	KindReadCapacity
)

// Capacity is the outcome of a successful ReadCapacity, reported to the
// caller out of band from the completion of the issuing Command.
type Capacity struct {
	Blocks    uint64
	BlockSize uint32
	// MaxCount is the largest block count the session will issue in a
	// single command; zero means unbounded.
	MaxCount uint32
}

// Response is the SCSI-level outcome of one information unit exchange,
// built by the transport (srp.Session) from whatever wire reply it received
// and handed back to the owning Command.
type Response struct {
	Status byte
	// Overrun is the signed residual byte count: positive for an overrun,
	// negative for an underrun. Zero when the transfer matched exactly.
	Overrun int32
	Sense   []byte
}

// Transport is the interface a SCSI session needs from whatever carries its
// commands to a target. srp.Session implements it; this interface exists so
// that this package never has to import srp.
type Transport interface {
	// Command submits cdb with the given data-out/data-in buffers and
	// returns the tag assigned to it. When Command returns a nil error,
	// onComplete is invoked exactly once, from whatever goroutine delivers
	// the matching response; when it returns an error, onComplete is not
	// invoked.
	Command(cdb []byte, dataOut, dataIn []byte, onComplete func(Response, error)) (tag uint32, err error)
	// Window reports the transport's current flow-control allowance. Zero
	// means no command may be issued yet.
	Window() int
}

// Command is a single in-flight SCSI request: a READ, WRITE, or READ
// CAPACITY, together with its retry state. One Command is live at a time
// per call into Session; the session does not pipeline multiple commands
// against a single caller request, matching the "at most one active
// pump command" model one layer up.
type Command struct {
	Kind Kind
	LBA  uint64
	// Count is the block count for KindRead/KindWrite; unused for
	// KindReadCapacity.
	Count uint32
	Buf   []byte

	// UseCapacity16 is flipped by the session itself on the 0xFFFFFFFF
	// wrap signal; callers never need to set it.
	UseCapacity16 bool

	tag     uint32
	retries int
	done    func(Response, error)
}

// Session issues SCSI commands against a single logical unit, retrying
// transient failures and discovering capacity, on top of a Transport.
type Session struct {
	mu        sync.Mutex
	transport Transport
	capacity  Capacity

	// OnCapacity, if set, is called once a ReadCapacity completes
	// successfully, reporting the discovered capacity out of band as
	// described in §4.3 of the design.
	OnCapacity func(Capacity)
}

// NewSession constructs a Session bound to a Transport. The transport is
// assumed to already be open (or opening); Session never calls an open
// method on it.
func NewSession(t Transport) *Session {
	return &Session{transport: t}
}

// Capacity returns the most recently discovered capacity. It is the zero
// Capacity until the first successful ReadCapacity.
func (s *Session) Capacity() Capacity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Read issues a READ for count blocks starting at lba into buf. If Read
// returns nil, done is invoked exactly once with the outcome; if it returns
// an error, done is not invoked.
func (s *Session) Read(lba uint64, count uint32, buf []byte, done func(Response, error)) error {
	cmd := &Command{Kind: KindRead, LBA: lba, Count: count, Buf: buf, done: done}
	return s.issue(cmd)
}

// Write issues a WRITE for count blocks starting at lba from buf. If Write
// returns nil, done is invoked exactly once with the outcome; if it returns
// an error, done is not invoked.
func (s *Session) Write(lba uint64, count uint32, buf []byte, done func(Response, error)) error {
	cmd := &Command{Kind: KindWrite, LBA: lba, Count: count, Buf: buf, done: done}
	return s.issue(cmd)
}

// ReadCapacity issues READ CAPACITY (10), transparently falling back to the
// 16-byte form when the target reports the 0xFFFFFFFF overflow sentinel.
// If ReadCapacity returns nil, done is invoked exactly once with the final
// outcome; if it returns an error, done is not invoked.
func (s *Session) ReadCapacity(done func(Response, error)) error {
	cmd := &Command{Kind: KindReadCapacity, Buf: make([]byte, 32), done: done}
	return s.issue(cmd)
}

func (s *Session) issue(cmd *Command) error {
	if s.transport.Window() <= 0 {
		return ErrBusy
	}
	cdb, dataOut, dataIn := cmd.wire()
	tag, err := s.transport.Command(cdb, dataOut, dataIn, func(resp Response, ioErr error) {
		s.onResponse(cmd, resp, ioErr)
	})
	if err != nil {
		return err
	}
	cmd.tag = tag
	return nil
}

func (cmd *Command) wire() (cdb []byte, dataOut, dataIn []byte) {
	switch cmd.Kind {
	case KindRead:
		if Use16ByteIO(cmd.LBA, cmd.Count) {
			return EncodeRead16(cmd.LBA, cmd.Count), nil, cmd.Buf
		}
		return EncodeRead10(uint32(cmd.LBA), uint16(cmd.Count)), nil, cmd.Buf
	case KindWrite:
		if Use16ByteIO(cmd.LBA, cmd.Count) {
			return EncodeWrite16(cmd.LBA, cmd.Count), cmd.Buf, nil
		}
		return EncodeWrite10(uint32(cmd.LBA), uint16(cmd.Count)), cmd.Buf, nil
	case KindReadCapacity:
		if cmd.UseCapacity16 {
			return EncodeReadCapacity16(uint32(len(cmd.Buf))), nil, cmd.Buf
		}
		return EncodeReadCapacity10(), nil, cmd.Buf[:8]
	default:
		panic("scsi: unknown command kind")
	}
}

// onResponse is the Transport completion callback for cmd. It implements
// the retry policy, the READ CAPACITY 10->16 fallback, and capacity
// reporting.
func (s *Session) onResponse(cmd *Command, resp Response, ioErr error) {
	if ioErr != nil {
		cmd.done(resp, ioErr)
		return
	}
	if resp.Status != 0 {
		cmd.retries++
		if cmd.retries > MaxRetries {
			log.Errorf("scsi: command exhausted %d retries, last status %#x", MaxRetries, resp.Status)
			cmd.done(resp, ErrIO)
			return
		}
		log.Debugf("scsi: retrying command after status %#x (attempt %d/%d)", resp.Status, cmd.retries, MaxRetries)
		if err := s.issue(cmd); err != nil {
			cmd.done(resp, err)
		}
		return
	}

	if cmd.Kind == KindReadCapacity {
		if !cmd.UseCapacity16 {
			lastLBA, blockSize := DecodeReadCapacity10Response(cmd.Buf[:8])
			if lastLBA == 0xFFFFFFFF {
				cmd.UseCapacity16 = true
				if err := s.issue(cmd); err != nil {
					cmd.done(resp, err)
				}
				return
			}
			s.setCapacity(Capacity{Blocks: uint64(lastLBA) + 1, BlockSize: blockSize})
		} else {
			lastLBA, blockSize := DecodeReadCapacity16Response(cmd.Buf)
			s.setCapacity(Capacity{Blocks: lastLBA + 1, BlockSize: blockSize})
		}
	}

	cmd.done(resp, nil)
}

func (s *Session) setCapacity(c Capacity) {
	s.mu.Lock()
	s.capacity = c
	s.mu.Unlock()
	if s.OnCapacity != nil {
		s.OnCapacity(c)
	}
}
