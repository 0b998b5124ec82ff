package stage

import "time"

// stageTimer is a repeat or count timer owned by one stage. The struct is
// mailbox-confined; only the time.AfterFunc fire crosses goroutines, and it
// does nothing but post a Timer message.
type stageTimer struct {
	id        int64
	period    time.Duration
	remaining int64 // fires left for count timers, <0 means repeat forever
	fn        func()
	timer     *time.Timer
	cancelled bool
}

func (t *stageTimer) cancel() {
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// addTimer registers a timer and arms its first fire. Runs on the mailbox.
func (s *Stage) addTimer(initialDelay, period time.Duration, count int64, fn func()) int64 {
	s.nextTimerID++
	id := s.nextTimerID
	t := &stageTimer{id: id, period: period, remaining: count, fn: fn}
	s.timers[id] = t
	t.timer = time.AfterFunc(initialDelay, func() {
		s.post(message{kind: msgTimer, timerID: id})
	})
	return t.id
}

// cancelTimer is idempotent; cancelling an unknown or fired-out id is a no-op.
func (s *Stage) cancelTimer(id int64) {
	if t, ok := s.timers[id]; ok {
		t.cancel()
		delete(s.timers, id)
	}
}

// handleTimer runs one fire on the mailbox. The next fire is armed only after
// the callback returns, so one timer never has two fires in flight.
func (s *Stage) handleTimer(id int64) {
	t, ok := s.timers[id]
	if !ok || t.cancelled {
		return
	}

	s.safeRun(t.fn)

	if t.cancelled { // cancelled by its own callback
		delete(s.timers, id)
		return
	}
	if t.remaining > 0 {
		t.remaining--
		if t.remaining == 0 {
			delete(s.timers, id)
			return
		}
	}
	t.timer = time.AfterFunc(t.period, func() {
		s.post(message{kind: msgTimer, timerID: id})
	})
}
