package engine

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Sweeper runs SweepExpirations on a fixed interval until its context ends.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	// OnReport, when set, receives every report that changed something.
	OnReport func(SweepReport)
}

func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{svc: svc, interval: interval}
}

// StartPeriodicCheck launches the sweep loop in a goroutine. The returned
// channel is closed once the loop has stopped.
func (s *Sweeper) StartPeriodicCheck(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return done
}

// Run sweeps once immediately, then on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	log.Infof("Expiration sweep every %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			log.Info("Expiration sweep stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	report := s.svc.SweepExpirations(ctx, s.svc.Now())
	if s.OnReport != nil && !report.Empty() {
		s.OnReport(report)
	}
}
