package fiber

import "testing"

func TestContinuationStackEnterSaveReplay(t *testing.T) {
	s := NewContinuationStack(4)

	fr := s.Enter(2, 1)
	fr.Primitives[0] = 7
	fr.References[0] = "hello"
	s.Save(3, fr.Primitives, fr.References)

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	if s.Empty() {
		t.Fatal("Empty() = true, want false")
	}

	s.resetForSlice()
	replay := s.Enter(2, 1)
	if !replay.ConsumeResume() {
		t.Fatal("ConsumeResume() = false on a frame Save left with Resume = true")
	}
	if replay.ConsumeResume() {
		t.Fatal("ConsumeResume() = true a second time; it should clear the flag")
	}
	_, index, prims, refs := s.Replay()
	if index != 3 || prims[0] != 7 || refs[0] != "hello" {
		t.Fatalf("Replay() = (index=%d, prims=%v, refs=%v), want (3, [7], [hello])", index, prims, refs)
	}

	s.Leave()
	if !s.Empty() {
		t.Fatalf("Empty() after matching Leave = false, want true")
	}
}

func TestContinuationStackNestedFrames(t *testing.T) {
	s := NewContinuationStack(4)

	outer := s.Enter(1, 0)
	outer.Primitives[0] = 1

	inner := s.Enter(1, 0)
	inner.Primitives[0] = 2
	s.Save(0, inner.Primitives, inner.References)

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (outer frame stays on an inner suspend)", s.Len())
	}

	// The outer frame never called Save, so it is not marked Resume; only
	// the inner one is.
	s.resetForSlice()
	outerReplay := s.Enter(1, 0)
	if outerReplay.ConsumeResume() {
		t.Fatal("outer frame should not be marked Resume")
	}
	innerReplay := s.Enter(1, 0)
	if !innerReplay.ConsumeResume() {
		t.Fatal("inner frame should be marked Resume")
	}
	if innerReplay.Primitives[0] != 2 {
		t.Fatalf("inner Primitives[0] = %d, want 2", innerReplay.Primitives[0])
	}
}

func TestContinuationStackSavePanicsOffTop(t *testing.T) {
	s := NewContinuationStack(4)
	s.Enter(1, 0)
	s.Enter(1, 0)

	defer func() {
		if recover() == nil {
			t.Fatal("Save should panic when called on a non-top frame")
		}
	}()
	s.fp = 0
	s.Save(0, nil, nil)
}
