package fiber

// inlineSubmitter is a deterministic, single-goroutine stand-in for a
// pool: tests drive exactly one slice at a time by calling runOne,
// matching the "run slice 1 ⇒ ..., run slice 2 ⇒ ..." scenarios.
type inlineSubmitter struct {
	pending []Runnable
}

func (s *inlineSubmitter) Submit(t Runnable) { s.pending = append(s.pending, t) }
func (s *inlineSubmitter) Fork(t Runnable)   { s.pending = append(s.pending, t) }

func (s *inlineSubmitter) runOne() (ran, done bool) {
	if len(s.pending) == 0 {
		return false, false
	}
	t := s.pending[0]
	s.pending = s.pending[1:]
	return true, t.RunSlice()
}

func (s *inlineSubmitter) queued() int { return len(s.pending) }
