// Package int13 emulates a legacy BIOS disk-interrupt (int 0x13) dispatch
// table over one or more registered block devices, translating CHS and
// extended-LBA firmware calls into pump-driven block I/O.
package int13

import (
	"errors"
	"sync"

	"github.com/coreos/go-sanboot/blockio"
	"github.com/coreos/go-sanboot/pump"
	"github.com/sirupsen/logrus"
)

// UseNatural tells Hook to assign the natural drive number rather than a
// caller-requested one. It is outside the valid 0x80..0xFF assigned range,
// so it can't collide with a real request.
const UseNatural byte = 0x00

var (
	// ErrAddrInUse is returned by Hook when the requested drive number is
	// already registered.
	ErrAddrInUse = errors.New("int13: drive number already in use")
	// ErrNotRegistered is returned by Unhook for an unknown drive number.
	ErrNotRegistered = errors.New("int13: drive not registered")
)

// Handler is the signature of a previously installed int13 handler that an
// unmatched or remapped call chains to.
type Handler func(driveNumber byte, call Call) (Result, bool)

// Registry is the process-wide table of emulated drives. It owns the
// firmware-maintained drive-count byte and the single command pump shared
// across every drive it manages — only one int13 call may be in flight at
// a time, system-wide, matching the "process-wide pump singleton"
// invariant in the design.
type Registry struct {
	mu               sync.Mutex
	drives           map[byte]*Drive
	driveCount       byte
	handlerInstalled bool

	pump *pump.Pump

	// PrevHandler is invoked for a drive number this registry doesn't
	// own, and for the remap-and-chain case described in Dispatch.
	PrevHandler Handler

	Metrics MetricsSink
}

// MetricsSink lets callers observe registry-internal events.
type MetricsSink interface {
	DriveRegistered()
	DriveUnregistered()
	DispatchCalled(function byte)
}

// NewRegistry constructs an empty registry driven by the given scheduler.
func NewRegistry(scheduler pump.Scheduler) *Registry {
	return &Registry{
		drives: make(map[byte]*Drive),
		pump:   pump.New(scheduler, nil),
	}
}

// Hook registers dev under uri, computing a natural drive number from the
// current firmware drive count and honoring requested if it is not
// UseNatural. preset seeds any geometry fields the caller already knows;
// zero fields are inferred from the device's partition table.
func (r *Registry) Hook(uri string, dev blockio.BlockDevice, requested byte, preset Geometry) (assigned byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	natural := 0x80 | r.driveCount
	assigned = natural
	if requested != UseNatural {
		assigned = requested
	}
	if _, exists := r.drives[assigned]; exists {
		return 0, ErrAddrInUse
	}

	d := &Drive{
		URI:      uri,
		Device:   dev,
		Assigned: assigned,
		Natural:  natural,
		Capacity: dev.Capacity(),
	}
	d.Geometry = r.inferGeometry(d, preset)
	r.drives[assigned] = d

	if len(r.drives) == 1 {
		r.installHandler()
	}
	r.applyDriveCount(assigned)

	logrus.WithFields(logrus.Fields{
		"uri":      uri,
		"assigned": assigned,
		"natural":  natural,
	}).Info("int13: drive registered")
	if r.Metrics != nil {
		r.Metrics.DriveRegistered()
	}
	return assigned, nil
}

// Unhook closes and removes the drive at assigned. The firmware drive
// count is deliberately not decremented, matching the source behavior:
// it's unsafe to do so reliably once other code may have observed it.
func (r *Registry) Unhook(assigned byte) error {
	r.mu.Lock()
	d, ok := r.drives[assigned]
	if !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	delete(r.drives, assigned)
	empty := len(r.drives) == 0
	if empty {
		r.uninstallHandler()
	}
	r.mu.Unlock()

	logrus.WithField("assigned", assigned).Info("int13: drive unregistered")
	if r.Metrics != nil {
		r.Metrics.DriveUnregistered()
	}
	return d.Device.Close()
}

func (r *Registry) installHandler() {
	r.handlerInstalled = true
	logrus.Debug("int13: interrupt vector installed")
}

func (r *Registry) uninstallHandler() {
	r.handlerInstalled = false
	logrus.Debug("int13: interrupt vector uninstalled")
}

// HandlerInstalled reports whether this registry currently owns the
// interrupt vector slot, i.e. whether it has any registered drives.
func (r *Registry) HandlerInstalled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlerInstalled
}

// applyDriveCount raises the firmware drive-count byte so it covers
// assigned, if necessary. Must be called with r.mu held.
func (r *Registry) applyDriveCount(assigned byte) {
	want := (assigned & 0x7F) + 1
	if want > r.driveCount {
		r.driveCount = want
	}
}

// repairDriveCount compares the firmware's reported drive count against
// what this registry expects and returns the corrected value, logging a
// fix-up if they disagree. Must be called with r.mu held.
func (r *Registry) repairDriveCount(reported byte) byte {
	if reported != r.driveCount {
		logrus.WithFields(logrus.Fields{"reported": reported, "expected": r.driveCount}).
			Debug("int13: repairing firmware drive count")
	}
	return r.driveCount
}

// Dispatch routes one firmware call. It repairs the drive-count byte,
// resolves driveNumber against the registry (including the natural-number
// remap-and-chain case), and either runs the owning drive's function
// table or falls through to PrevHandler.
func (r *Registry) Dispatch(driveNumber byte, call Call) (Result, bool) {
	r.mu.Lock()
	call.FirmwareDriveCount = r.repairDriveCount(call.FirmwareDriveCount)

	d, ok := r.drives[driveNumber]
	if !ok {
		for _, cand := range r.drives {
			if cand.Natural == driveNumber {
				remapped := cand.Assigned
				r.mu.Unlock()
				call.Drive = remapped
				if r.PrevHandler != nil {
					return r.PrevHandler(remapped, call)
				}
				return Result{}, false
			}
		}
		r.mu.Unlock()
		if r.PrevHandler != nil {
			return r.PrevHandler(driveNumber, call)
		}
		return Result{}, false
	}
	p := r.pump
	driveCount := r.driveCount
	r.mu.Unlock()

	if r.Metrics != nil {
		r.Metrics.DispatchCalled(call.Function)
	}

	res := d.dispatch(call, p)
	res.FirmwareDriveCount = driveCount
	return applyDLQuirk(call, res), true
}

// applyDLQuirk implements the legacy register-preservation rules from the
// external-interfaces section: function 0x08 reports the firmware drive
// count in place of the drive number, function 0x15 leaves it untouched,
// and everything else restores the caller's original value.
func applyDLQuirk(call Call, res Result) Result {
	switch call.Function {
	case FuncGetParameters:
		res.OutputDrive = res.FirmwareDriveCount
	case FuncGetDiskType:
		res.OutputDrive = call.Drive
	default:
		res.OutputDrive = call.Drive
	}
	return res
}

// Drives returns a snapshot of the currently registered assigned drive
// numbers, for diagnostics.
func (r *Registry) Drives() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, 0, len(r.drives))
	for n := range r.drives {
		out = append(out, n)
	}
	return out
}

// Lookup returns the drive registered under assigned, if any.
func (r *Registry) Lookup(assigned byte) (*Drive, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drives[assigned]
	return d, ok
}
