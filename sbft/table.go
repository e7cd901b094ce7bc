// Package sbft assembles the small boot-firmware table an int13-emulated
// drive publishes for the booted operating system to discover its SAN boot
// parameters: an ACPI-style header plus the SCSI LUN and SRP port IDs
// needed to reopen the same session after handoff. This package owns only
// the header fields and the checksum fixup; it does not address booting
// the wider xBFT/sBFT table family beyond that, per the design's
// out-of-scope note on boot-firmware tables.
package sbft

import (
	"encoding/binary"
	"errors"

	"github.com/coreos/go-sanboot/scsi"
)

// ErrTruncated is returned by Decode when buf is shorter than a complete
// table.
var ErrTruncated = errors.New("sbft: truncated table")

const (
	headerLen  = 36
	scsiSubLen = 24
	srpSubLen  = 40
	signature  = "SBFT"
	revision   = 1
	oemID      = "GOSANB"  // 6 bytes, matches the ACPI OEMID field width
	oemTableID = "SANBOOT" // 8 bytes, matches the ACPI OEMTableID field width

	// tableSize is the reserved, 16-byte-aligned buffer size the firmware
	// publishes, mirroring the original's union xbft_table { ...; char
	// pad[768]; }. The header/sub-tables only occupy the front of it; the
	// rest stays zeroed.
	tableSize = 768
)

// TransportDescriber is implemented by whatever carries commands for the
// drive this table describes. srp.Session satisfies it structurally,
// without sbft needing to import the srp package.
type TransportDescriber interface {
	Describe() (initiatorPort, targetPort [16]byte, lun scsi.LUN8)
}

// Table is the decoded form of an assembled boot-firmware table.
type Table struct {
	OEMID         [6]byte
	OEMTableID    [8]byte
	LUN           scsi.LUN8
	InitiatorPort [16]byte
	TargetPort    [16]byte
}

// Build assembles the wire form of the boot-firmware table for a drive
// whose I/O is carried by transport. The returned bytes have a valid ACPI
// checksum: the byte-sum of the whole table is congruent to 0 mod 256.
func Build(transport TransportDescriber) []byte {
	initiatorPort, targetPort, lun := transport.Describe()

	buf := make([]byte, tableSize)

	copy(buf[0:4], signature)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(tableSize))
	buf[8] = revision
	// buf[9] is the checksum byte, fixed up last.
	copy(buf[10:16], oemID)
	copy(buf[16:24], oemTableID)

	scsiSub := buf[headerLen : headerLen+scsiSubLen]
	copy(scsiSub[0:8], lun[:])

	srpSub := buf[headerLen+scsiSubLen:]
	copy(srpSub[0:16], initiatorPort[:])
	copy(srpSub[16:32], targetPort[:])

	fixChecksum(buf)
	return buf
}

// fixChecksum sets buf[9] (the ACPI-style checksum byte) so that the sum
// of every byte in buf is 0 mod 256, following acpi_fix_checksum's
// contract in the original firmware.
func fixChecksum(buf []byte) {
	buf[9] = 0
	var sum byte
	for _, b := range buf {
		sum += b
	}
	buf[9] = byte(256 - int(sum)%256)
}

// VerifyChecksum reports whether buf's byte-sum is 0 mod 256.
func VerifyChecksum(buf []byte) bool {
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return sum == 0
}

// Decode parses a table assembled by Build.
func Decode(buf []byte) (Table, error) {
	if len(buf) < headerLen+scsiSubLen+srpSubLen {
		return Table{}, ErrTruncated
	}
	var t Table
	copy(t.OEMID[:], buf[10:16])
	copy(t.OEMTableID[:], buf[16:24])

	scsiSub := buf[headerLen : headerLen+scsiSubLen]
	copy(t.LUN[:], scsiSub[0:8])

	srpSub := buf[headerLen+scsiSubLen:]
	copy(t.InitiatorPort[:], srpSub[0:16])
	copy(t.TargetPort[:], srpSub[16:32])

	return t, nil
}
