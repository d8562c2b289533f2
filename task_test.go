package fiber

import "testing"

type fakeRunnable struct {
	runs int
}

func (r *fakeRunnable) RunSlice() bool { r.runs++; return false }

type recordingSubmitter struct {
	submitted []Runnable
	forked    []Runnable
}

func (s *recordingSubmitter) Submit(t Runnable) { s.submitted = append(s.submitted, t) }
func (s *recordingSubmitter) Fork(t Runnable)   { s.forked = append(s.forked, t) }

func TestParkableTaskHappyPath(t *testing.T) {
	sub := &recordingSubmitter{}
	r := &fakeRunnable{}
	task := NewParkableTask(sub, r)

	if !task.claim() {
		t.Fatal("claim() on a fresh task should succeed")
	}
	if task.claim() {
		t.Fatal("claim() should fail while already LEASED")
	}

	task.beginPark("blocker")
	if got := task.GetBlocker(); got != "blocker" {
		t.Fatalf("GetBlocker() = %v, want %q", got, "blocker")
	}
	if !task.commitPark() {
		t.Fatal("commitPark() should succeed with no racing Unpark")
	}
	if task.GetState() != Parked {
		t.Fatalf("state = %v, want PARKED", task.GetState())
	}

	task.Unpark()
	if task.GetState() != StateRunnable {
		t.Fatalf("state after Unpark = %v, want RUNNABLE", task.GetState())
	}
	if len(sub.submitted) != 1 {
		t.Fatalf("Unpark from PARKED should resubmit once, got %d submissions", len(sub.submitted))
	}
}

func TestParkableTaskLeasedRaceLatchesUnpark(t *testing.T) {
	sub := &recordingSubmitter{}
	task := NewParkableTask(sub, &fakeRunnable{})
	task.claim()

	// An Unpark arrives while the task is still LEASED, before the slice
	// has even called beginPark.
	task.Unpark()
	if task.GetState() != Leased {
		t.Fatalf("state after Unpark-while-LEASED = %v, want LEASED (latched, not applied yet)", task.GetState())
	}

	task.beginPark(nil)
	if parked := task.commitPark(); parked {
		t.Fatal("commitPark() should observe the latched Unpark and report not-parked")
	}
	if task.GetState() != StateRunnable {
		t.Fatalf("state after commitPark observes the latch = %v, want RUNNABLE", task.GetState())
	}
	if len(sub.forked) != 1 {
		t.Fatalf("the LEASED-race should be resolved by a Fork, got %d forks", len(sub.forked))
	}
	if len(sub.submitted) != 0 {
		t.Fatalf("the LEASED-race must not go through Submit, got %d submissions", len(sub.submitted))
	}
}

func TestParkableTaskParkingRaceForksOnce(t *testing.T) {
	sub := &recordingSubmitter{}
	task := NewParkableTask(sub, &fakeRunnable{})
	task.claim()
	task.beginPark(nil)

	// The external Unpark arrives after beginPark but before commitPark:
	// it must not resubmit itself, since the owning goroutine is still
	// unwinding.
	task.Unpark()
	if task.GetState() != StateRunnable {
		t.Fatalf("state after Unpark-while-PARKING = %v, want RUNNABLE", task.GetState())
	}
	if len(sub.forked) != 0 || len(sub.submitted) != 0 {
		t.Fatal("Unpark during PARKING must not resubmit by itself")
	}

	if parked := task.commitPark(); parked {
		t.Fatal("commitPark() should report not-parked when the PARKING race occurred")
	}
	if len(sub.forked) != 1 {
		t.Fatalf("commitPark should be the one to Fork once the race is observed, got %d forks", len(sub.forked))
	}
}

func TestParkableTaskExec(t *testing.T) {
	sub := &recordingSubmitter{}
	r := &fakeRunnable{}
	task := NewParkableTask(sub, r)
	task.claim()
	task.beginPark("b")
	task.commitPark()

	if !task.Exec("b") {
		t.Fatal("Exec should run the slice inline when the blocker matches a parked task")
	}
	if r.runs != 1 {
		t.Fatalf("runs = %d, want 1", r.runs)
	}
}

func TestParkableTaskExecGivesUpOnMismatch(t *testing.T) {
	sub := &recordingSubmitter{}
	r := &fakeRunnable{}
	task := NewParkableTask(sub, r)
	task.claim()
	task.beginPark("b")
	task.commitPark()

	if task.Exec("other") {
		t.Fatal("Exec should not run when the blocker does not match")
	}
	if r.runs != 0 {
		t.Fatalf("runs = %d, want 0", r.runs)
	}
}
