// Package worker runs the periodic sweep that finishes ACCEPTED loans whose
// end date has passed. The scheduling core only validates the transition;
// this sweep is the external trigger.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type LoanFinisher interface {
	FinishExpired(ctx context.Context) (int, error)
}

type Finisher struct {
	svc      LoanFinisher
	log      *zap.Logger
	interval time.Duration
}

func NewFinisher(svc LoanFinisher, interval time.Duration, log *zap.Logger) *Finisher {
	return &Finisher{
		svc:      svc,
		log:      log.Named("finisher"),
		interval: interval,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (f *Finisher) Run(ctx context.Context) {
	f.sweep(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (f *Finisher) sweep(ctx context.Context) {
	n, err := f.svc.FinishExpired(ctx)
	if err != nil {
		f.log.Warn("sweep", zap.Error(err))
		return
	}
	if n > 0 {
		f.log.Info("finished expired loans", zap.Int("count", n))
	}
}
