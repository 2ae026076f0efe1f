package seqnum

import "testing"

func TestExtender_firstPacket(t *testing.T) {
	var e Extender
	if got := e.Extend(100); got != 100 {
		t.Fatalf("Extend(100) = %d, want 100", got)
	}
}

func TestExtender_forwardWrap(t *testing.T) {
	var e Extender
	e.Extend(65530)
	got := e.Extend(5)
	want := Extended(1<<16 | 5)
	if got != want {
		t.Fatalf("Extend after forward wrap = %d, want %d", got, want)
	}
}

func TestExtender_lateReorderAcrossWrap(t *testing.T) {
	var e Extender
	e.Extend(65530)
	e.Extend(5) // wraps to cycle 1
	// a late packet from before the wrap arrives
	got := e.Extend(65531)
	want := Extended(0<<16 | 65531)
	if got != want {
		t.Fatalf("Extend for late pre-wrap packet = %d, want %d", got, want)
	}
}

func TestExtender_monotonicRun(t *testing.T) {
	var e Extender
	prev := e.Extend(0)
	for i := 1; i < 5000; i++ {
		cur := e.Extend(uint16(i))
		if !Before(prev, cur) {
			t.Fatalf("sequence %d not after %d", cur, prev)
		}
		prev = cur
	}
}

func TestExtender_seed(t *testing.T) {
	var e Extender
	e.Seed(500, 3)
	if got := e.Extend(501); got != Extended(3<<16|501) {
		t.Fatalf("Extend after Seed = %d, want %d", got, Extended(3<<16|501))
	}
}

func TestExtender_reset(t *testing.T) {
	var e Extender
	e.Extend(65530)
	e.Extend(5)
	e.Reset()
	if got := e.Extend(42); got != 42 {
		t.Fatalf("Extend after Reset = %d, want 42", got)
	}
}

func TestPeek_doesNotMutate(t *testing.T) {
	var e Extender
	e.Extend(65530)
	peeked := e.Peek(5)
	if peeked != Extended(1<<16|5) {
		t.Fatalf("Peek = %d, want wrapped value", peeked)
	}
	// state unchanged: a real Extend of the same value should match Peek
	got := e.Extend(5)
	if got != peeked {
		t.Fatalf("Extend after Peek = %d, want %d (Peek must not mutate state)", got, peeked)
	}
}

func TestBeforeAfter(t *testing.T) {
	if !Before(10, 20) {
		t.Error("Before(10, 20) = false, want true")
	}
	if Before(20, 10) {
		t.Error("Before(20, 10) = true, want false")
	}
	if !After(20, 10) {
		t.Error("After(20, 10) = false, want true")
	}
}

func TestBeforeAfter_wraparound(t *testing.T) {
	a := Extended(0xFFFFFFF0)
	b := Extended(5)
	if !Before(a, b) {
		t.Error("Before across 2^32 wrap should be true")
	}
}

func TestDistance(t *testing.T) {
	if d := Distance(10, 15); d != 5 {
		t.Errorf("Distance(10,15) = %d, want 5", d)
	}
	if d := Distance(15, 10); d != -5 {
		t.Errorf("Distance(15,10) = %d, want -5", d)
	}
}

func TestNext(t *testing.T) {
	if Next(5) != 6 {
		t.Error("Next(5) != 6")
	}
	if Next(0xFFFFFFFF) != 0 {
		t.Error("Next should wrap at 2^32")
	}
}
