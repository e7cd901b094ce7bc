// Package blockio defines the external-collaborator contracts this module
// drives but does not implement: the underlying block device an int13
// drive reads and writes, and a thin adapter that lets a scsi.Session
// stand in for one. URI parsing, device opening, and the physical
// transport underneath a Session are all out of scope here — callers wire
// up a concrete BlockDevice and hand it to int13.Registry.Hook.
package blockio

import "github.com/coreos/go-sanboot/scsi"

// BlockDevice is the opaque "block-device interface" referenced by the
// drive record in the design's data model. It is deliberately synchronous
// in its signature even though a real implementation (backed by a
// scsi.Session over SRP) completes asynchronously underneath — callers are
// expected to drive it through a pump.Pump, which is exactly the seam that
// turns a synchronous contract into one that tolerates an asynchronous
// implementation.
type BlockDevice interface {
	// ReadWindow reports whether the device currently has room to accept
	// a new command. int13's command pump polls this before issuing.
	ReadWindow() bool
	// BlockErr returns a latched asynchronous error, or nil if the device
	// is healthy. Checked by the pump while waiting for a window.
	BlockErr() error

	// StartRead and StartWrite begin, respectively, a read or write of
	// count blocks at lba into/from buf. They return immediately;
	// completion is observed via Done.
	StartRead(lba uint64, count uint32, buf []byte) error
	StartWrite(lba uint64, count uint32, buf []byte) error
	// Done reports whether the most recently started command has
	// completed, and with what error (nil on success).
	Done() (bool, error)

	Capacity() scsi.Capacity
	Close() error
}

// Reopener is optionally implemented by a BlockDevice that can recover
// from a latched error by reopening its underlying connection, used by
// int13's FuncReset handler. A BlockDevice that doesn't implement it is
// treated as always able to "reset" trivially.
type Reopener interface {
	Reopen() error
}

// Opener opens a BlockDevice for a caller-supplied identifier. This
// package never implements Opener itself — URI parsing and device-opening
// glue are out of scope for this module, per the design's Non-goals — but
// int13.Registry accepts one so a caller can plug in whatever addressing
// scheme (SRP target, loopback file, in-memory ramdisk) it wants.
type Opener interface {
	Open(id string) (BlockDevice, error)
}

// TransportDescriber is implemented by whatever carries commands for a
// BlockDevice (an srp.Session, in practice) and is consulted when
// publishing a boot-firmware table entry for the drive it backs.
type TransportDescriber interface {
	Describe() (initiatorPort, targetPort [16]byte, lun scsi.LUN8)
}

// SessionBlockDevice adapts a scsi.Session (itself backed by an
// srp.Session Transport) to the BlockDevice interface int13 drives
// through a pump.Pump. This is the concrete seam where the three
// subsystems this module implements — SRP transport, SCSI session, and
// the int13 emulator — are wired together into one working stack.
type SessionBlockDevice struct {
	Session *scsi.Session
	Window  func() int

	inFlight bool
	done     bool
	err      error
}

// NewSessionBlockDevice wraps session, using windowFn to observe transport
// flow control (ordinarily session's underlying srp.Session.Window).
func NewSessionBlockDevice(session *scsi.Session, windowFn func() int) *SessionBlockDevice {
	return &SessionBlockDevice{Session: session, Window: windowFn}
}

func (d *SessionBlockDevice) ReadWindow() bool { return d.Window() > 0 }
func (d *SessionBlockDevice) BlockErr() error  { return nil }

func (d *SessionBlockDevice) StartRead(lba uint64, count uint32, buf []byte) error {
	d.inFlight, d.done, d.err = true, false, nil
	return d.Session.Read(lba, count, buf, d.complete)
}

func (d *SessionBlockDevice) StartWrite(lba uint64, count uint32, buf []byte) error {
	d.inFlight, d.done, d.err = true, false, nil
	return d.Session.Write(lba, count, buf, d.complete)
}

func (d *SessionBlockDevice) complete(resp scsi.Response, err error) {
	d.done = true
	d.err = err
}

func (d *SessionBlockDevice) Done() (bool, error) {
	if !d.inFlight {
		return true, nil
	}
	if d.done {
		d.inFlight = false
		return true, d.err
	}
	return false, nil
}

func (d *SessionBlockDevice) Capacity() scsi.Capacity {
	return d.Session.Capacity()
}

func (d *SessionBlockDevice) Close() error { return nil }
