package int13

import (
	"errors"

	"github.com/coreos/go-sanboot/blockio"
	"github.com/coreos/go-sanboot/pump"
	"github.com/coreos/go-sanboot/scsi"
)

// Firmware function codes, as passed in the AH register of a real int 0x13
// call.
const (
	FuncReset                 = 0x00
	FuncGetLastStatus         = 0x01
	FuncReadCHS               = 0x02
	FuncWriteCHS              = 0x03
	FuncGetParameters         = 0x08
	FuncGetDiskType           = 0x15
	FuncExtensionsCheck       = 0x41
	FuncExtendedRead          = 0x42
	FuncExtendedWrite         = 0x43
	FuncGetExtendedParameters = 0x48
)

// Firmware status codes returned in AH/Result.Status on completion.
const (
	StatusOK          = 0x00
	StatusInvalid     = 0x01
	StatusResetFailed = 0x05
	StatusReadError   = 0x0C
	DiskTypeHDD       = 0x03
)

const extensionsCheckSignature = 0x55AA
const extensionsCheckReplyBX = 0xAA55

var (
	// ErrInvalid is returned by the CHS/LBA translation helpers for an
	// address outside the drive's geometry. The dispatch table reports
	// that and the other bad-parameter cases (a non-512 block size for
	// classic CHS I/O, an unrecognised function code, an extensions-check
	// call with the wrong magic) as StatusInvalid.
	ErrInvalid     = errors.New("int13: invalid parameters")
	ErrReadError   = errors.New("int13: I/O failure")
	ErrResetFailed = errors.New("int13: reset failed")
)

// Geometry is the inferred CHS shape of a drive: cylinders <=1024, heads
// <=255, sectors/track <=63.
type Geometry struct {
	Cylinders       uint32
	Heads           uint8
	SectorsPerTrack uint8
}

// DiskAddressPacket carries the extended (LBA-addressed) I/O parameters
// used by functions 0x42/0x43/0x48, standing in for the firmware's
// in-memory disk address packet structure.
type DiskAddressPacket struct {
	Count uint16
	LBA   uint64
	Buf   []byte
}

// Call is one firmware entry into the int13 dispatch table: the function
// code plus whichever of the CHS or extended-addressing fields that
// function consumes.
type Call struct {
	Function           byte
	Drive              byte
	FirmwareDriveCount byte

	// CHS fields, for FuncReadCHS / FuncWriteCHS.
	Cylinder uint16
	Head     byte
	Sector   byte
	Count    byte
	Buf      []byte

	// DAP, for the extended-addressing functions.
	DAP *DiskAddressPacket

	// Signature, for FuncExtensionsCheck (must be 0x55AA).
	Signature uint16
}

// Result is the outcome of one dispatched Call: the firmware status byte,
// the carry-flag equivalent, whether the call was fully handled (the
// overflow-flag convention from §6), and whatever function-specific
// output fields apply.
type Result struct {
	Status             byte
	Carry              bool
	Handled            bool
	FirmwareDriveCount byte
	OutputDrive        byte

	MaxCylinder        uint16
	MaxHead            byte
	MaxSectorsPerTrack byte
	TotalSectors       uint32
	SectorSize         uint32
	DiskType           byte
	BX                 uint16
	CX                 uint16
	APIVersionStatus   uint16
	TransparentDMA     bool
}

// Drive is one registered emulated disk.
type Drive struct {
	URI      string
	Device   blockio.BlockDevice
	Assigned byte
	Natural  byte
	Geometry Geometry
	Capacity scsi.Capacity

	// LastErr is the latched underlying-device error. Once set, every
	// call other than FuncReset and FuncGetLastStatus fails fast until a
	// successful reset (FuncReset) clears it.
	LastErr error
	// LastStatus is the firmware status byte from the most recent call,
	// reported by FuncGetLastStatus. It is never cleared by success.
	LastStatus byte
}

func (d *Drive) dispatch(call Call, p *pump.Pump) Result {
	if d.LastErr != nil && call.Function != FuncReset && call.Function != FuncGetLastStatus {
		return d.fail(d.LastErr, StatusReadError)
	}
	switch call.Function {
	case FuncReset:
		return d.reset()
	case FuncGetLastStatus:
		return Result{Status: d.LastStatus, Handled: true}
	case FuncReadCHS:
		return d.rwCHS(call, p, false)
	case FuncWriteCHS:
		return d.rwCHS(call, p, true)
	case FuncGetParameters:
		return d.getParameters()
	case FuncGetDiskType:
		return d.getDiskType()
	case FuncExtensionsCheck:
		return d.extensionsCheck(call)
	case FuncExtendedRead:
		return d.rwExtended(call, p, false)
	case FuncExtendedWrite:
		return d.rwExtended(call, p, true)
	case FuncGetExtendedParameters:
		return d.getExtendedParameters()
	default:
		return d.invalid(StatusInvalid)
	}
}

func (d *Drive) ok() Result {
	return Result{Status: StatusOK, Handled: true}
}

// fail records a genuine underlying-device error: it latches LastErr so
// every subsequent call fails fast until a reset, mirroring int13_block_close
// latching int13->block_rc on a real close/I-O failure.
func (d *Drive) fail(err error, status byte) Result {
	d.LastErr = err
	d.LastStatus = status
	return Result{Status: status, Carry: true, Handled: true}
}

// invalid reports a firmware-boundary parameter-validation failure: it sets
// the firmware status but never latches LastErr, since no underlying device
// error occurred. The original never sets block_rc for a bad CDB, CHS, or
// signature.
func (d *Drive) invalid(status byte) Result {
	d.LastStatus = status
	return Result{Status: status, Carry: true, Handled: true}
}

func (d *Drive) chsToLBA(cyl uint16, head, sector byte) (uint64, error) {
	if uint32(cyl) >= d.Geometry.Cylinders || head >= d.Geometry.Heads || sector < 1 || sector > d.Geometry.SectorsPerTrack {
		return 0, ErrInvalid
	}
	return (uint64(cyl)*uint64(d.Geometry.Heads)+uint64(head))*uint64(d.Geometry.SectorsPerTrack) + uint64(sector-1), nil
}

// lbaToCHS is the inverse of chsToLBA, exercised by round-trip tests.
func (d *Drive) lbaToCHS(lba uint64) (cyl uint16, head, sector byte, err error) {
	spt := uint64(d.Geometry.SectorsPerTrack)
	heads := uint64(d.Geometry.Heads)
	if spt == 0 || heads == 0 {
		return 0, 0, 0, ErrInvalid
	}
	sectorIdx := lba % spt
	temp := lba / spt
	headIdx := temp % heads
	cylIdx := temp / heads
	if cylIdx >= uint64(d.Geometry.Cylinders) {
		return 0, 0, 0, ErrInvalid
	}
	return uint16(cylIdx), byte(headIdx), byte(sectorIdx + 1), nil
}

func (d *Drive) reset() Result {
	if r, ok := d.Device.(blockio.Reopener); ok {
		if err := r.Reopen(); err != nil {
			return d.fail(ErrResetFailed, StatusResetFailed)
		}
	}
	d.Capacity = d.Device.Capacity()
	d.LastErr = nil
	return d.ok()
}

func (d *Drive) rwCHS(call Call, p *pump.Pump, write bool) Result {
	if d.Capacity.BlockSize != SectorSize {
		return d.invalid(StatusInvalid)
	}
	lba, err := d.chsToLBA(call.Cylinder, call.Head, call.Sector)
	if err != nil {
		return d.invalid(StatusInvalid)
	}
	if err := d.fragmentedIO(p, lba, uint32(call.Count), call.Buf, write); err != nil {
		return d.fail(ErrReadError, StatusReadError)
	}
	return d.ok()
}

func (d *Drive) rwExtended(call Call, p *pump.Pump, write bool) Result {
	if call.DAP == nil {
		return d.invalid(StatusInvalid)
	}
	if err := d.fragmentedIO(p, call.DAP.LBA, uint32(call.DAP.Count), call.DAP.Buf, write); err != nil {
		return d.fail(ErrReadError, StatusReadError)
	}
	return d.ok()
}

func (d *Drive) getParameters() Result {
	res := d.ok()
	res.MaxCylinder = uint16(d.Geometry.Cylinders - 1)
	res.MaxHead = d.Geometry.Heads - 1
	res.MaxSectorsPerTrack = d.Geometry.SectorsPerTrack
	return res
}

func (d *Drive) getDiskType() Result {
	res := d.ok()
	res.TotalSectors = clampSectorCount(d.Capacity.Blocks)
	res.DiskType = DiskTypeHDD
	return res
}

// clampSectorCount saturates a 64-bit block count to the 32-bit total a
// legacy int13 caller can receive.
func clampSectorCount(blocks uint64) uint32 {
	if blocks > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(blocks)
}

func (d *Drive) extensionsCheck(call Call) Result {
	if call.Signature != extensionsCheckSignature {
		return d.invalid(StatusInvalid)
	}
	res := d.ok()
	res.BX = extensionsCheckReplyBX
	res.CX = 0x0001 // device access using the packet structure is supported
	res.APIVersionStatus = 0x0100
	return res
}

func (d *Drive) getExtendedParameters() Result {
	res := d.ok()
	res.MaxCylinder = uint16(d.Geometry.Cylinders)
	res.MaxHead = d.Geometry.Heads
	res.MaxSectorsPerTrack = d.Geometry.SectorsPerTrack
	res.TotalSectors = clampSectorCount(d.Capacity.Blocks)
	res.SectorSize = d.Capacity.BlockSize
	res.TransparentDMA = true
	return res
}

// fragmentedIO drives count blocks at lba through p, splitting into at
// most Capacity.MaxCount blocks per pump.Run call and aborting the whole
// operation on the first fragment failure.
func (d *Drive) fragmentedIO(p *pump.Pump, lba uint64, count uint32, buf []byte, write bool) error {
	maxCount := d.Capacity.MaxCount
	if maxCount == 0 {
		maxCount = count
	}
	blockSize := d.Capacity.BlockSize
	off := 0
	for count > 0 {
		frag := count
		if frag > maxCount {
			frag = maxCount
		}
		fragLen := int(frag) * int(blockSize)
		fragBuf := buf[off : off+fragLen]

		err := p.Run(
			d.Device.ReadWindow,
			d.Device.BlockErr,
			func() error {
				if write {
					return d.Device.StartWrite(lba, frag, fragBuf)
				}
				return d.Device.StartRead(lba, frag, fragBuf)
			},
			d.Device.Done,
		)
		if err != nil {
			return err
		}

		lba += uint64(frag)
		off += fragLen
		count -= frag
	}
	return nil
}
