package kio

import (
	"bytes"
	"testing"

	"ktos/kernel/thread"
)

func newPipeTest(t *testing.T) (*thread.Manager, IO, IO) {
	t.Helper()
	thr := thread.NewManager()
	thr.SetHaltFn(func(bool) {})
	w, r := NewPipe(thr)
	return thr, w, r
}

func TestPipePingPong(t *testing.T) {
	thr, w, r := newPipeTest(t)

	msg := []byte("Hello from kernel pipe!\n")

	n, err := Write(w, msg)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(msg) {
		t.Fatalf("expected to write %d bytes; got %d", len(msg), n)
	}

	var got int
	buf := make([]byte, 64)
	tid, serr := thr.Spawn("reader", func() {
		rn, rerr := r.Read(buf)
		if rerr != nil {
			t.Error(rerr)
		}
		got = rn
	})
	if serr != nil {
		t.Fatal(serr)
	}
	if _, err := thr.Join(tid); err != nil {
		t.Fatal(err)
	}

	if got != len(msg) {
		t.Fatalf("expected reader to receive exactly %d bytes; got %d", len(msg), got)
	}
	if !bytes.Equal(buf[:got], msg) {
		t.Fatalf("expected %q; got %q", msg, buf[:got])
	}
	for _, b := range buf[got:] {
		if b != 0 {
			t.Fatal("expected the rest of the buffer to remain zeroed")
		}
	}
}

func TestPipeReadBlocksUntilWrite(t *testing.T) {
	thr, w, r := newPipeTest(t)

	var got []byte
	tid, err := thr.Spawn("reader", func() {
		buf := make([]byte, 8)
		n, rerr := r.Read(buf)
		if rerr != nil {
			t.Error(rerr)
		}
		got = buf[:n]
	})
	if err != nil {
		t.Fatal(err)
	}

	// Let the reader block on the empty ring, then feed it.
	thr.Yield()
	if _, err := Write(w, []byte("ok")); err != nil {
		t.Fatal(err)
	}
	if _, err := thr.Join(tid); err != nil {
		t.Fatal(err)
	}

	if string(got) != "ok" {
		t.Fatalf("expected blocked reader to receive \"ok\"; got %q", got)
	}
}

func TestPipeEOFAfterWriterClose(t *testing.T) {
	thr, w, r := newPipeTest(t)
	_ = thr

	if _, err := Write(w, []byte("tail")); err != nil {
		t.Fatal(err)
	}
	Close(w)

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil || n != 4 {
		t.Fatalf("expected to drain 4 buffered bytes; got %d, %v", n, err)
	}

	// With the writer gone and the ring empty, reads report EOF.
	n, err = r.Read(buf)
	if err != nil || n != 0 {
		t.Fatalf("expected EOF; got %d, %v", n, err)
	}
}

func TestPipeBrokenPipe(t *testing.T) {
	_, w, r := newPipeTest(t)

	Close(r)
	if _, err := w.Write([]byte("x")); err != ErrPipe {
		t.Fatalf("expected broken-pipe error; got %v", err)
	}
}

func TestPipeWriterBlocksWhenFull(t *testing.T) {
	thr, w, r := newPipeTest(t)

	// Fill the ring exactly.
	fill := make([]byte, PipeSize)
	for i := range fill {
		fill[i] = byte(i)
	}
	if n, err := Write(w, fill); err != nil || n != PipeSize {
		t.Fatalf("expected to fill the ring; got %d, %v", n, err)
	}

	var wrote int
	tid, err := thr.Spawn("writer", func() {
		n, werr := w.Write([]byte("!"))
		if werr != nil {
			t.Error(werr)
		}
		wrote = n
	})
	if err != nil {
		t.Fatal(err)
	}

	// The writer must block; draining one byte unblocks it.
	thr.Yield()
	if wrote != 0 {
		t.Fatal("expected writer to block on the full ring")
	}

	one := make([]byte, 1)
	if n, rerr := r.Read(one); rerr != nil || n != 1 || one[0] != 0 {
		t.Fatalf("expected to drain first byte; got %d, %v", n, rerr)
	}

	if _, err := thr.Join(tid); err != nil {
		t.Fatal(err)
	}
	if wrote != 1 {
		t.Fatalf("expected writer to finish after drain; wrote %d", wrote)
	}
}

func TestPipeFIFOConservation(t *testing.T) {
	thr, w, r := newPipeTest(t)

	// Push 3 ring-fulls through the pipe; every acknowledged byte must
	// come out exactly once, in order.
	const total = 3 * PipeSize
	src := make([]byte, total)
	for i := range src {
		src[i] = byte(i * 7)
	}

	var received []byte
	tid, err := thr.Spawn("reader", func() {
		buf := make([]byte, 1000)
		for len(received) < total {
			n, rerr := r.Read(buf)
			if rerr != nil {
				t.Error(rerr)
				return
			}
			if n == 0 {
				return
			}
			received = append(received, buf[:n]...)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	n, werr := Write(w, src)
	if werr != nil || n != total {
		t.Fatalf("expected to write %d bytes; got %d, %v", total, n, werr)
	}

	if _, err := thr.Join(tid); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(received, src) {
		t.Fatal("expected bytes to arrive exactly once, in FIFO order")
	}
}

func TestPipeGetEnd(t *testing.T) {
	_, w, r := newPipeTest(t)

	if _, err := Write(w, []byte("12345")); err != nil {
		t.Fatal(err)
	}

	var v uint64
	if _, err := r.Cntl(CntlGetEnd, &v); err != nil || v != 5 {
		t.Fatalf("expected 5 readable bytes; got %d, %v", v, err)
	}
	if _, err := w.Cntl(CntlGetEnd, &v); err != nil || v != PipeSize-5 {
		t.Fatalf("expected %d free bytes; got %d, %v", PipeSize-5, v, err)
	}
}

func TestPipeWrongDirection(t *testing.T) {
	_, w, r := newPipeTest(t)

	if _, err := r.Write([]byte("x")); err != ErrNotSup {
		t.Fatalf("expected write on read endpoint to be unsupported; got %v", err)
	}
	if _, err := w.Read(make([]byte, 1)); err != ErrNotSup {
		t.Fatalf("expected read on write endpoint to be unsupported; got %v", err)
	}
}
