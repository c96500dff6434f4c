package rtc

import (
	"encoding/binary"
	"testing"

	"ktos/kernel/kio"
)

type fakePort struct{ now uint64 }

func (p *fakePort) Time() uint64 { return p.now }

func TestReadReturnsTimestamp(t *testing.T) {
	port := &fakePort{now: 0x1122334455667788}
	ep, err := Attach(port).Open()
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 8)
	n, rerr := ep.Read(buf)
	if rerr != nil || n != 8 {
		t.Fatalf("read: got %d, %v", n, rerr)
	}
	if got := binary.LittleEndian.Uint64(buf); got != port.now {
		t.Fatalf("expected timestamp %x; got %x", port.now, got)
	}
}

func TestReadRejectsShortBuffer(t *testing.T) {
	ep, err := Attach(&fakePort{}).Open()
	if err != nil {
		t.Fatal(err)
	}
	if _, rerr := ep.Read(make([]byte, 4)); rerr != kio.ErrInval {
		t.Fatalf("expected short buffer to be rejected; got %v", rerr)
	}
}
