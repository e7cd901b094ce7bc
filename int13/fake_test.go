package int13

import (
	"github.com/coreos/go-sanboot/scsi"
)

// fakeBlockDevice is an in-memory BlockDevice backed by a byte slice,
// completing every command synchronously on the first Done() poll, while
// still speaking the async Start/Done contract int13 drives through a
// pump.
type fakeBlockDevice struct {
	data      []byte
	blockSize uint32
	maxCount  uint32
	failRead  bool
	failWrite bool
	reopened  int

	// readLBAs and readCounts record every StartRead call, in order.
	readLBAs   []uint64
	readCounts []uint32

	lastOp   string
	complete bool
	err      error
}

func newFakeBlockDevice(blocks uint64, blockSize uint32) *fakeBlockDevice {
	return &fakeBlockDevice{
		data:      make([]byte, blocks*uint64(blockSize)),
		blockSize: blockSize,
		complete:  true,
	}
}

func (f *fakeBlockDevice) ReadWindow() bool { return true }
func (f *fakeBlockDevice) BlockErr() error  { return nil }

func (f *fakeBlockDevice) StartRead(lba uint64, count uint32, buf []byte) error {
	f.readLBAs = append(f.readLBAs, lba)
	f.readCounts = append(f.readCounts, count)
	if f.failRead {
		f.complete, f.err = true, ErrReadError
		return nil
	}
	off := lba * uint64(f.blockSize)
	n := copy(buf, f.data[off:])
	_ = n
	f.complete, f.err = true, nil
	return nil
}

func (f *fakeBlockDevice) StartWrite(lba uint64, count uint32, buf []byte) error {
	if f.failWrite {
		f.complete, f.err = true, ErrReadError
		return nil
	}
	off := lba * uint64(f.blockSize)
	copy(f.data[off:], buf)
	f.complete, f.err = true, nil
	return nil
}

func (f *fakeBlockDevice) Done() (bool, error) { return f.complete, f.err }

func (f *fakeBlockDevice) Capacity() scsi.Capacity {
	return scsi.Capacity{
		Blocks:    uint64(len(f.data)) / uint64(f.blockSize),
		BlockSize: f.blockSize,
		MaxCount:  f.maxCount,
	}
}

func (f *fakeBlockDevice) Close() error { return nil }

func (f *fakeBlockDevice) Reopen() error {
	f.reopened++
	return nil
}

// writeMBR installs a minimal one-partition MBR into block 0, with the
// given CHS-end head/sector in the first partition entry.
func (f *fakeBlockDevice) writeMBR(endHead, endSector byte) {
	mbr := make([]byte, f.blockSize)
	entry := mbr[mbrPartitionTableOffset : mbrPartitionTableOffset+mbrPartitionEntryLen]
	entry[4] = 0x83 // non-zero type code
	entry[5] = endHead
	entry[6] = endSector & 0x3F
	mbr[mbrSignatureOffset] = 0x55
	mbr[mbrSignatureOffset+1] = 0xAA
	copy(f.data, mbr)
}
