package srp

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/coreos/go-sanboot/scsi"
	"golang.org/x/sys/unix"
)

// fdSocket adapts a raw file descriptor to the Socket interface, framing
// each IU with a 4-byte big-endian length prefix so the reader on the
// other end of the pair knows where one IU ends and the next begins.
type fdSocket struct {
	f *os.File
}

func (s *fdSocket) Send(iu []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(iu)))
	if _, err := s.f.Write(hdr[:]); err != nil {
		return err
	}
	_, err := s.f.Write(iu)
	return err
}

func readIU(f *os.File) ([]byte, error) {
	var hdr [4]byte
	if _, err := readFull(f, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := readFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// TestSessionOverSocketpair exercises Open/Command/Deliver across a real
// kernel AF_UNIX socketpair rather than an in-process fake, playing the
// role of a minimal SRP target on the far end: it echoes every IU it
// receives back to the initiator, then answers LOGIN_REQ with LOGIN_RSP and
// a CMD with a successful RSP carrying the same tag.
func TestSessionOverSocketpair(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	initiatorFile := os.NewFile(uintptr(fds[0]), "initiator")
	targetFile := os.NewFile(uintptr(fds[1]), "target")
	defer initiatorFile.Close()
	defer targetFile.Close()

	targetDone := make(chan struct{})
	go func() {
		defer close(targetDone)

		iu, err := readIU(targetFile)
		if err != nil {
			return
		}
		if typ, _ := IUType(iu); typ != TypeLoginReq {
			return
		}
		if err := (&fdSocket{targetFile}).Send(iu); err != nil {
			return
		}
		if err := (&fdSocket{targetFile}).Send(BuildLoginRsp(0, 80, 80)); err != nil {
			return
		}

		iu, err = readIU(targetFile)
		if err != nil {
			return
		}
		if err := (&fdSocket{targetFile}).Send(iu); err != nil {
			return
		}
		info, err := decodeCmd(iu)
		if err != nil {
			return
		}
		(&fdSocket{targetFile}).Send(BuildRsp(info.Tag, 0, 0, 0, nil))
	}()

	lun, _ := scsi.ParseLUN("0-0-0-0")
	var initiatorPort, targetPort [16]byte
	sess, err := Open(&fdSocket{initiatorFile}, initiatorPort, targetPort, lun)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	loginIU, err := readIU(initiatorFile)
	if err != nil {
		t.Fatalf("reading LOGIN_REQ echo: %v", err)
	}
	_ = loginIU

	rsp, err := readIU(initiatorFile)
	if err != nil {
		t.Fatalf("reading LOGIN_RSP: %v", err)
	}
	if err := sess.Deliver(rsp); err != nil {
		t.Fatalf("Deliver(LOGIN_RSP): %v", err)
	}
	if sess.Window() == 0 {
		t.Fatalf("session window still zero after login")
	}

	done := make(chan error, 1)
	_, err = sess.Command(scsi.EncodeRead10(0, 1), nil, make([]byte, 512), func(resp scsi.Response, err error) {
		done <- err
	})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	cmdEcho, err := readIU(initiatorFile)
	if err != nil {
		t.Fatalf("reading CMD echo: %v", err)
	}
	_ = cmdEcho

	respIU, err := readIU(initiatorFile)
	if err != nil {
		t.Fatalf("reading RSP: %v", err)
	}
	if err := sess.Deliver(respIU); err != nil {
		t.Fatalf("Deliver(RSP): %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("command completed with err %v", err)
	}
	<-targetDone
}
