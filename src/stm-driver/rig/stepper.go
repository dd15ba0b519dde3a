package rig

import (
	"context"

	"github.com/sirupsen/logrus"
)

// MotorOutput is the coarse-approach stepper's output pins.
type MotorOutput interface {
	SetDirection(up bool) error
	Pulse() error
}

// StepEvent is one stepper motion request.
type StepEvent struct {
	Up    bool
	Count int
}

// Stepper drives the coarse-approach motor from a stream of events. It runs
// independently of the scan session and shares only the motor output pins
// with the rest of the rig.
type Stepper struct {
	out    MotorOutput
	events chan StepEvent
	log    *logrus.Entry
}

func NewStepper(out MotorOutput, log *logrus.Entry) *Stepper {
	return &Stepper{
		out:    out,
		events: make(chan StepEvent, 8),
		log:    log,
	}
}

// Offer enqueues an event without blocking. Events arriving while the queue
// is full are dropped; the motor cannot keep up with them anyway.
func (s *Stepper) Offer(ev StepEvent) {
	select {
	case s.events <- ev:
	default:
		if s.log != nil {
			s.log.Warn("Stepper queue full, dropping event.")
		}
	}
}

// Run consumes events until the context is cancelled.
func (s *Stepper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.apply(ev)
		}
	}
}

func (s *Stepper) apply(ev StepEvent) {
	if err := s.out.SetDirection(ev.Up); err != nil {
		if s.log != nil {
			s.log.WithError(err).Error("Could not set stepper direction.")
		}
		return
	}
	for i := 0; i < ev.Count; i++ {
		if err := s.out.Pulse(); err != nil {
			if s.log != nil {
				s.log.WithError(err).Error("Stepper pulse failed.")
			}
			return
		}
	}
}
