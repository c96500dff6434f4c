package thread

import (
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	m.SetHaltFn(func(bool) {})
	return m
}

func TestSpawnAndJoin(t *testing.T) {
	m := newTestManager(t)

	var ran bool
	tid, err := m.Spawn("worker", func() {
		ran = true
	})
	if err != nil {
		t.Fatal(err)
	}
	if tid != 1 {
		t.Fatalf("expected first spawned thread to get tid 1; got %d", tid)
	}

	got, jerr := m.Join(tid)
	if jerr != nil {
		t.Fatal(jerr)
	}
	if got != tid {
		t.Fatalf("expected Join to return tid %d; got %d", tid, got)
	}
	if !ran {
		t.Fatal("expected worker body to have run before Join returned")
	}
	if m.threads[tid] != nil {
		t.Fatal("expected joined thread slot to be reclaimed")
	}
}

func TestSpawnPicksLowestFreeSlot(t *testing.T) {
	m := newTestManager(t)

	t1, _ := m.Spawn("a", func() {})
	t2, err := m.Spawn("b", func() {})
	if err != nil {
		t.Fatal(err)
	}
	if t1 != 1 || t2 != 2 {
		t.Fatalf("expected tids 1 and 2; got %d and %d", t1, t2)
	}

	if _, err := m.Join(t1); err != nil {
		t.Fatal(err)
	}

	t3, err := m.Spawn("c", func() {})
	if err != nil {
		t.Fatal(err)
	}
	if t3 != 1 {
		t.Fatalf("expected reclaimed slot 1 to be reused; got %d", t3)
	}

	m.Join(0)
	m.Join(0)
}

func TestSpawnExhaustion(t *testing.T) {
	m := newTestManager(t)

	release := m.NewCond("release")
	spawned := 0
	for {
		_, err := m.Spawn("filler", func() { release.Wait() })
		if err == ErrNoThreads {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		spawned++
	}

	// Slots 1..NTHR-2 are available: main holds 0 and idle holds NTHR-1.
	if exp := NTHR - 2; spawned != exp {
		t.Fatalf("expected to spawn %d threads; got %d", exp, spawned)
	}

	// Let the fillers block on the condition, then drain them.
	m.Yield()
	release.Broadcast()
	for i := 0; i < spawned; i++ {
		if _, err := m.Join(0); err != nil {
			t.Fatal(err)
		}
	}
}

func TestJoinInvalidChild(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Join(7); err != ErrNoChild {
		t.Fatalf("expected ErrNoChild for unused slot; got %v", err)
	}
	if _, err := m.Join(-3); err != ErrNoChild {
		t.Fatalf("expected ErrNoChild for negative tid; got %v", err)
	}
	if _, err := m.Join(0); err != ErrNoChild {
		t.Fatalf("expected ErrNoChild when the caller has no children; got %v", err)
	}
}

func TestJoinReparentsGrandchildren(t *testing.T) {
	m := newTestManager(t)

	var grandchild int
	child, err := m.Spawn("child", func() {
		gc, serr := m.Spawn("grandchild", func() {})
		if serr != nil {
			t.Error(serr)
		}
		grandchild = gc
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Join(child); err != nil {
		t.Fatal(err)
	}

	// The grandchild must now be a child of main and joinable.
	got, jerr := m.Join(0)
	if jerr != nil {
		t.Fatal(jerr)
	}
	if got != grandchild {
		t.Fatalf("expected to join reparented grandchild %d; got %d", grandchild, got)
	}
}

func TestYieldFIFOOrder(t *testing.T) {
	m := newTestManager(t)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		if _, err := m.Spawn("worker", func() {
			order = append(order, i)
		}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := m.Join(0); err != nil {
			t.Fatal(err)
		}
	}

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("expected workers to run in spawn order; got %v", order)
	}
}

func TestConditionBroadcastWakesFIFO(t *testing.T) {
	m := newTestManager(t)

	cond := m.NewCond("test")
	var woke []int

	for i := 0; i < 3; i++ {
		i := i
		if _, err := m.Spawn("waiter", func() {
			cond.Wait()
			woke = append(woke, i)
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Let all three block on the condition.
	m.Yield()
	if len(woke) != 0 {
		t.Fatalf("expected no waiter to wake before broadcast; got %v", woke)
	}

	cond.Broadcast()
	for i := 0; i < 3; i++ {
		if _, err := m.Join(0); err != nil {
			t.Fatal(err)
		}
	}

	if len(woke) != 3 || woke[0] != 0 || woke[1] != 1 || woke[2] != 2 {
		t.Fatalf("expected FIFO wake order; got %v", woke)
	}
}

func TestLockMutualExclusion(t *testing.T) {
	m := newTestManager(t)

	lock := m.NewLock("test")
	shared := 0

	lock.Acquire()
	tid, err := m.Spawn("contender", func() {
		lock.Acquire()
		shared = 2
		lock.Release()
	})
	if err != nil {
		t.Fatal(err)
	}

	// Give the contender a chance to run; it must block on the lock.
	m.Yield()
	shared = 1
	lock.Release()

	if _, err := m.Join(tid); err != nil {
		t.Fatal(err)
	}
	if shared != 2 {
		t.Fatalf("expected contender to run only after release; shared = %d", shared)
	}
}

func TestLockRecursion(t *testing.T) {
	m := newTestManager(t)

	lock := m.NewLock("test")
	lock.Acquire()
	lock.Acquire()
	lock.Release()

	if lock.Owner() != MainTID {
		t.Fatal("expected lock to remain owned after inner release")
	}

	lock.Release()
	if lock.Owner() != -1 {
		t.Fatal("expected lock to be free after outer release")
	}
}

func TestExitReleasesHeldLocks(t *testing.T) {
	m := newTestManager(t)

	lock := m.NewLock("held")
	tid, err := m.Spawn("holder", func() {
		lock.Acquire()
		lock.Acquire() // recursive hold, released on exit
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Join(tid); err != nil {
		t.Fatal(err)
	}
	if lock.Owner() != -1 {
		t.Fatalf("expected exit to force-release held lock; owner is %d", lock.Owner())
	}
}

func TestMainExitHalts(t *testing.T) {
	m := NewManager()

	halted := false
	m.SetHaltFn(func(success bool) {
		halted = true
		if !success {
			t.Error("expected main-thread exit to report success")
		}
	})

	m.Exit()
	if !halted {
		t.Fatal("expected Exit on the main thread to halt")
	}
}

func TestThreadStateNames(t *testing.T) {
	specs := []struct {
		state State
		exp   string
	}{
		{StateUninitialized, "UNINITIALIZED"},
		{StateWaiting, "WAITING"},
		{StateRunning, "RUNNING"},
		{StateReady, "READY"},
		{StateExited, "EXITED"},
		{State(99), "UNDEFINED"},
	}

	for _, spec := range specs {
		if got := spec.state.String(); got != spec.exp {
			t.Errorf("expected %q; got %q", spec.exp, got)
		}
	}
}
