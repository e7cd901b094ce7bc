package srp

import (
	"bytes"
	"testing"

	"github.com/coreos/go-sanboot/scsi"
)

func TestLoginReqRoundTrip(t *testing.T) {
	var initiator, target [16]byte
	copy(initiator[:], "initiator-port-1")
	copy(target[:], "target-port-0001")

	iu := BuildLoginReq(7, initiator, target)
	tag, gotInit, gotTarget, err := DecodeLoginReq(iu)
	if err != nil {
		t.Fatalf("DecodeLoginReq: %v", err)
	}
	if tag != 7 {
		t.Fatalf("tag = %d, want 7", tag)
	}
	if gotInit != initiator || gotTarget != target {
		t.Fatalf("port ids did not round trip")
	}
}

func TestLoginRejRoundTrip(t *testing.T) {
	iu := BuildLoginRej(42, LoginRejNoSuchLUN)
	tag, reason, err := decodeLoginRej(iu)
	if err != nil {
		t.Fatalf("decodeLoginRej: %v", err)
	}
	if tag != 42 || reason != LoginRejNoSuchLUN {
		t.Fatalf("got (%d,%#x), want (42,%#x)", tag, reason, LoginRejNoSuchLUN)
	}
}

func TestCmdRoundTrip(t *testing.T) {
	lun, _ := scsi.ParseLUN("1-0-0-0")
	cdb := scsi.EncodeRead10(1000, 8)

	iu := BuildCmd(99, lun, cdb, 0, 4096, 0xAABBCCDD)
	info, err := decodeCmd(iu)
	if err != nil {
		t.Fatalf("decodeCmd: %v", err)
	}
	if info.Tag != 99 {
		t.Fatalf("tag = %d, want 99", info.Tag)
	}
	if info.LUN != lun {
		t.Fatalf("lun = %v, want %v", info.LUN, lun)
	}
	if !bytes.Equal(info.CDB, cdb) {
		t.Fatalf("cdb = %v, want %v", info.CDB, cdb)
	}
	if info.DataOutLen != 0 || info.DataInLen != 4096 {
		t.Fatalf("data lens = (%d,%d), want (0,4096)", info.DataOutLen, info.DataInLen)
	}
}

func TestRspOverrunPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		flags   byte
		count   int32
		wantOvr int32
	}{
		{"doover wins", rspFlagDOOVER | rspFlagDIUNDER, 10, 10},
		{"dounder reports negative", rspFlagDOUNDER, 5, -5},
		{"diover positive", rspFlagDIOVER, 3, 3},
		{"diunder negative", rspFlagDIUNDER, 2, -2},
		{"none", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iu := BuildRsp(55, 0, tt.flags, tt.count, nil)
			tag, resp, err := DecodeRsp(iu)
			if err != nil {
				t.Fatalf("DecodeRsp: %v", err)
			}
			if tag != 55 {
				t.Fatalf("tag = %d, want 55", tag)
			}
			if resp.Overrun != tt.wantOvr {
				t.Fatalf("overrun = %d, want %d", resp.Overrun, tt.wantOvr)
			}
		})
	}
}

func TestRspSenseRoundTrip(t *testing.T) {
	sense := []byte{0x70, 0x00, scsi.SenseMediumError, 0, 0, 0, 0, 0x0a, 0, 0, 0, 0, 0x11, 0x00}
	iu := BuildRsp(1, scsi.SamStatCheckCondition, 0, 0, sense)
	_, resp, err := DecodeRsp(iu)
	if err != nil {
		t.Fatalf("DecodeRsp: %v", err)
	}
	if resp.Status != scsi.SamStatCheckCondition {
		t.Fatalf("status = %#x, want SamStatCheckCondition", resp.Status)
	}
	if !bytes.Equal(resp.Sense, sense) {
		t.Fatalf("sense = %v, want %v", resp.Sense, sense)
	}
}
