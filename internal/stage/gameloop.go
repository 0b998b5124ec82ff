package stage

import (
	"fmt"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
)

// gameLoop drives OnGameLoopTick at a fixed timestep. Real time accumulates
// between wakeups; each wakeup runs as many fixed steps as the accumulator
// covers, clamped so a stalled stage catches up instead of spiraling.
type gameLoop struct {
	fixedStep time.Duration
	maxAccum  time.Duration

	running bool
	last    time.Time
	accum   time.Duration
	timer   *time.Timer
}

func (l *gameLoop) stop() {
	l.running = false
	if l.timer != nil {
		// Stopping from inside a tick callback is fine: the timer fire only
		// posts a mailbox message, there is no loop goroutine to join.
		l.timer.Stop()
	}
}

// startGameLoop validates and arms the loop. Runs on the mailbox.
func (s *Stage) startGameLoop(fixedStep, maxAccum time.Duration) error {
	if fixedStep <= 0 || maxAccum < fixedStep {
		return protocol.NewPlayError(protocol.InvalidMessage,
			fmt.Sprintf("game loop config fixedStep=%v maxAccum=%v", fixedStep, maxAccum))
	}
	if s.loop != nil && s.loop.running {
		return nil
	}
	s.loop = &gameLoop{
		fixedStep: fixedStep,
		maxAccum:  maxAccum,
		running:   true,
		last:      time.Now(),
	}
	s.armTick()
	return nil
}

func (s *Stage) stopGameLoop() {
	if s.loop != nil {
		s.loop.stop()
	}
}

func (s *Stage) armTick() {
	l := s.loop
	l.timer = time.AfterFunc(l.fixedStep, func() {
		s.post(message{kind: msgTick})
	})
}

// handleTick runs the fixed steps the elapsed time covers. A tick already in
// the mailbox when the loop stops still runs its due steps; only the
// rescheduling stops.
func (s *Stage) handleTick() {
	l := s.loop
	if l == nil {
		return
	}

	now := time.Now()
	l.accum += now.Sub(l.last)
	l.last = now
	if l.accum > l.maxAccum {
		l.accum = l.maxAccum
	}

	for l.accum >= l.fixedStep {
		l.accum -= l.fixedStep
		s.safeCall(func() error { s.handler.OnGameLoopTick(l.fixedStep); return nil })
		if !l.running { // stopped from inside the tick
			return
		}
	}

	if l.running {
		s.armTick()
	}
}
