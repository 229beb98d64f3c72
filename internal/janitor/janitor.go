// Package janitor periodically removes security tokens that can no longer be
// redeemed and have outlived the retention window.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"erpid.org/internal/obs"
)

// Purger is satisfied by auth.TokenIssuer.
type Purger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type Janitor struct {
	purger    Purger
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

type Option func(*Janitor)

func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

func WithTimeout(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.timeout = d
		}
	}
}

func New(purger Purger, retention time.Duration, opts ...Option) *Janitor {
	j := &Janitor{purger: purger, retention: retention, timeout: time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// RunOnce purges tokens that expired or were consumed before now-retention.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	cutoff := j.now().UTC().Add(-j.retention)
	n, err := j.purger.PurgeExpired(ctx, cutoff)
	log := obs.Logger().WithFields(logrus.Fields{"cutoff": cutoff.Format(time.RFC3339), "purged": n})
	if err != nil {
		log.WithError(err).Error("token purge failed")
		return n, err
	}
	log.Info("token purge complete")
	return n, nil
}

// Start schedules RunOnce on spec (standard cron syntax or descriptors such as
// "@every 1h"). An empty spec leaves the janitor idle.
func (j *Janitor) Start(spec string) error {
	if spec == "" {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return fmt.Errorf("janitor already started")
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		_, _ = j.RunOnce(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule token purge %q: %w", spec, err)
	}
	c.Start()
	j.cron = c
	return nil
}

// Stop halts scheduling and waits for a running purge until ctx ends.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
