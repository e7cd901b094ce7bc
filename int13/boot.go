package int13

import "errors"

// ErrNoBootSignature is returned by Boot when the loaded sector does not
// carry the 0x55AA signature at offset 0x1FE.
var ErrNoBootSignature = errors.New("int13: boot sector missing 0x55AA signature")

// JumpFunc hands control to a loaded boot sector. A real firmware
// implementation performs a real-mode far jump; this module cannot
// express that in Go; the caller supplies whatever stand-in makes sense
// for its environment (a chain-loader, a test stub, or an error).
// Boot's contract, per the design, is that this function does not return
// on success.
type JumpFunc func(sector []byte, driveNumber byte) error

// Boot performs the int13 boot-sector contract: read LBA 0 into a 512-byte
// buffer via the drive's CHS read path, validate the boot signature, and
// hand off to jump. Boot never returns a success value of its own — by
// definition it either doesn't return (jump took over) or it returns the
// reason the boot sector declined to run.
func (r *Registry) Boot(assigned byte, jump JumpFunc) error {
	_, ok := r.Lookup(assigned)
	if !ok {
		return ErrNotRegistered
	}

	sector := make([]byte, SectorSize)
	call := Call{
		Function: FuncReadCHS,
		Drive:    assigned,
		Cylinder: 0,
		Head:     0,
		Sector:   1,
		Count:    1,
		Buf:      sector,
	}
	res, handled := r.Dispatch(assigned, call)
	if !handled || res.Carry {
		return ErrReadError
	}

	if sector[mbrSignatureOffset] != 0x55 || sector[mbrSignatureOffset+1] != 0xAA {
		return ErrNoBootSignature
	}

	return jump(sector, assigned)
}
