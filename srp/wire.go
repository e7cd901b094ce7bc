// Package srp implements the SCSI RDMA Protocol information-unit codec and
// session state machine that carries SCSI commands built by the scsi
// package over a reliable message-oriented socket.
package srp

import (
	"encoding/binary"
	"errors"

	"github.com/coreos/go-sanboot/scsi"
)

// Information unit type codes, carried in the first byte of every IU.
const (
	TypeLoginReq  = 0x00
	TypeCmd       = 0x01
	TypeTskMgmt   = 0x02
	TypeILogout   = 0x03
	TypeLoginRsp  = 0xC0
	TypeRsp       = 0xC1
	TypeLoginRej  = 0xC2
	TypeTLogout   = 0x80
)

// TagMagic occupies the high 32 bits of every 64-bit tag; the low 32 bits
// are the session-local tag value. It lets a target (or, here, a test
// double) sanity-check that a tag actually originated from this session.
const TagMagic = 0x53525000

// MaxInitToTargetIULen is advertised in LOGIN_REQ as the largest
// initiator-to-target IU this session will ever send.
const MaxInitToTargetIULen = 80

// RequiredBufFmtDirect requests the "direct data buffer descriptor" format
// for both data-in and data-out buffers, the only format this package
// implements.
const RequiredBufFmtDirect = 0x06 // bit 1 (data-out direct) | bit 2 (data-in direct)

// Login rejection reasons, carried in LOGIN_REJ.
const (
	LoginRejUnableToEstablish  = 0x00010000
	LoginRejInsufficientResrc = 0x00010002
	LoginRejUnsupportedFmt    = 0x00010003
	LoginRejNoSuchLUN         = 0x00010005
)

var errShortIU = errors.New("srp: information unit too short")

func putTag(b []byte, tag uint64) {
	binary.BigEndian.PutUint32(b[0:4], TagMagic)
	binary.BigEndian.PutUint32(b[4:8], uint32(tag))
}

func getTag(b []byte) uint64 {
	return uint64(binary.BigEndian.Uint32(b[4:8]))
}

// BuildLoginReq serializes a LOGIN_REQ IU. initiatorPort and targetPort are
// the 16-byte SRP port identifiers carried verbatim.
func BuildLoginReq(tag uint64, initiatorPort, targetPort [16]byte) []byte {
	b := make([]byte, 64)
	b[0] = TypeLoginReq
	putTag(b[8:16], tag)
	binary.BigEndian.PutUint64(b[16:24], MaxInitToTargetIULen)
	b[28] = RequiredBufFmtDirect
	copy(b[32:48], initiatorPort[:])
	copy(b[48:64], targetPort[:])
	return b
}

// DecodeLoginReq is the inverse of BuildLoginReq, used by test doubles that
// play the role of an SRP target.
func DecodeLoginReq(b []byte) (tag uint64, initiatorPort, targetPort [16]byte, err error) {
	if len(b) < 64 {
		return 0, initiatorPort, targetPort, errShortIU
	}
	tag = getTag(b[8:16])
	copy(initiatorPort[:], b[32:48])
	copy(targetPort[:], b[48:64])
	return tag, initiatorPort, targetPort, nil
}

// BuildLoginRsp serializes a LOGIN_RSP IU.
func BuildLoginRsp(tag uint64, maxITIULen, maxTIIULen uint32) []byte {
	b := make([]byte, 32)
	b[0] = TypeLoginRsp
	putTag(b[8:16], tag)
	binary.BigEndian.PutUint32(b[16:20], maxITIULen)
	binary.BigEndian.PutUint32(b[20:24], maxTIIULen)
	b[24] = RequiredBufFmtDirect
	return b
}

// BuildLoginRej serializes a LOGIN_REJ IU with the given reason code.
func BuildLoginRej(tag uint64, reason uint32) []byte {
	b := make([]byte, 24)
	b[0] = TypeLoginRej
	putTag(b[8:16], tag)
	binary.BigEndian.PutUint32(b[16:20], reason)
	return b
}

func decodeLoginRej(b []byte) (tag uint64, reason uint32, err error) {
	if len(b) < 20 {
		return 0, 0, errShortIU
	}
	return getTag(b[8:16]), binary.BigEndian.Uint32(b[16:20]), nil
}

// descriptor is a 16-byte SRP direct data buffer descriptor: a remote
// virtual address, an RDMA memory handle, and a length.
type descriptor struct {
	VA     uint64
	Handle uint32
	Len    uint32
}

func (d descriptor) encode(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], d.VA)
	binary.BigEndian.PutUint32(b[8:12], d.Handle)
	binary.BigEndian.PutUint32(b[12:16], d.Len)
}

func decodeDescriptor(b []byte) descriptor {
	return descriptor{
		VA:     binary.BigEndian.Uint64(b[0:8]),
		Handle: binary.BigEndian.Uint32(b[8:12]),
		Len:    binary.BigEndian.Uint32(b[12:16]),
	}
}

// Data-out/data-in format bits in a CMD IU's format byte.
const (
	fmtNone   = 0x0
	fmtDirect = 0x1
)

const cmdHeaderLen = 48 // through and including the CDB

// BuildCmd serializes a CMD IU carrying lun and cdb, plus at most one
// direct data-out and one direct data-in descriptor. handle is the RDMA
// memory-registration handle backing both buffers (this module treats
// memory registration as opaque, per the transport's responsibility).
func BuildCmd(tag uint64, lun scsi.LUN8, cdb []byte, dataOutLen, dataInLen uint32, handle uint32) []byte {
	total := cmdHeaderLen
	outFmt, inFmt := fmtNone, fmtNone
	if dataOutLen > 0 {
		outFmt = fmtDirect
		total += 16
	}
	if dataInLen > 0 {
		inFmt = fmtDirect
		total += 16
	}
	b := make([]byte, total)
	b[0] = TypeCmd
	putTag(b[8:16], tag)
	copy(b[16:24], lun[:])
	b[24] = byte(outFmt<<4 | inFmt)
	b[25] = byte(len(cdb))
	copy(b[32:48], cdb) // CDBs up to 16 bytes; room reserved for AdditionalCDB

	off := cmdHeaderLen
	if dataOutLen > 0 {
		descriptor{Handle: handle, Len: dataOutLen}.encode(b[off : off+16])
		off += 16
	}
	if dataInLen > 0 {
		descriptor{Handle: handle, Len: dataInLen}.encode(b[off : off+16])
	}
	return b
}

// cmdInfo is what decodeCmd hands back to a test double playing the target.
type cmdInfo struct {
	Tag        uint64
	LUN        scsi.LUN8
	CDB        []byte
	DataOutLen uint32
	DataInLen  uint32
}

// decodeCmd parses a CMD IU built by BuildCmd.
func decodeCmd(b []byte) (cmdInfo, error) {
	if len(b) < cmdHeaderLen {
		return cmdInfo{}, errShortIU
	}
	var info cmdInfo
	info.Tag = getTag(b[8:16])
	copy(info.LUN[:], b[16:24])
	outFmt := (b[24] >> 4) & 0xF
	inFmt := b[24] & 0xF
	cdbLen := int(b[25])
	if 32+cdbLen > len(b) {
		return cmdInfo{}, errShortIU
	}
	info.CDB = append([]byte(nil), b[32:32+cdbLen]...)

	off := cmdHeaderLen
	if outFmt == fmtDirect {
		if off+16 > len(b) {
			return cmdInfo{}, errShortIU
		}
		info.DataOutLen = decodeDescriptor(b[off : off+16]).Len
		off += 16
	}
	if inFmt == fmtDirect {
		if off+16 > len(b) {
			return cmdInfo{}, errShortIU
		}
		info.DataInLen = decodeDescriptor(b[off : off+16]).Len
	}
	return info, nil
}

// Rsp flag bits, in priority order for overrun/underrun reporting per
// §4.2: DOOVER > DOUNDER > DIOVER > DIUNDER.
const (
	rspFlagDOOVER  = 1 << 4
	rspFlagDOUNDER = 1 << 3
	rspFlagDIOVER  = 1 << 2
	rspFlagDIUNDER = 1 << 1
	rspFlagSNSVALID = 1 << 0
)

const rspHeaderLen = 36

// BuildRsp serializes a RSP IU. overrun is applied to whichever of the four
// flag bits is set; sense, if non-empty, is appended and SNSVALID is set.
func BuildRsp(tag uint64, status byte, flags byte, overrun int32, sense []byte) []byte {
	b := make([]byte, rspHeaderLen+len(sense))
	b[0] = TypeRsp
	putTag(b[8:16], tag)
	if len(sense) > 0 {
		flags |= rspFlagSNSVALID
	}
	b[16] = flags
	b[17] = status
	binary.BigEndian.PutUint32(b[20:24], uint32(overrun))
	binary.BigEndian.PutUint32(b[28:32], uint32(len(sense)))
	copy(b[rspHeaderLen:], sense)
	return b
}

// DecodeRsp parses a RSP IU into a scsi.Response, resolving the
// overrun/underrun precedence and copying sense data if present.
func DecodeRsp(b []byte) (tag uint64, resp scsi.Response, err error) {
	if len(b) < rspHeaderLen {
		return 0, scsi.Response{}, errShortIU
	}
	tag = getTag(b[8:16])
	flags := b[16]
	status := b[17]
	count := int32(binary.BigEndian.Uint32(b[20:24]))

	var overrun int32
	switch {
	case flags&rspFlagDOOVER != 0:
		overrun = count
	case flags&rspFlagDOUNDER != 0:
		overrun = -count
	case flags&rspFlagDIOVER != 0:
		overrun = count
	case flags&rspFlagDIUNDER != 0:
		overrun = -count
	}

	resp = scsi.Response{Status: status, Overrun: overrun}
	if flags&rspFlagSNSVALID != 0 {
		senseLen := binary.BigEndian.Uint32(b[28:32])
		if rspHeaderLen+int(senseLen) > len(b) {
			return 0, scsi.Response{}, errShortIU
		}
		resp.Sense = append([]byte(nil), b[rspHeaderLen:rspHeaderLen+int(senseLen)]...)
	}
	return tag, resp, nil
}

// IUType returns the type-code byte of a raw IU, the first thing Deliver
// dispatches on.
func IUType(iu []byte) (byte, error) {
	if len(iu) < 1 {
		return 0, errShortIU
	}
	return iu[0], nil
}
