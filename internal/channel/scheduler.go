package channel

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aegisfin/calsync/internal/audit"
	"github.com/aegisfin/calsync/internal/metrics"
	"github.com/aegisfin/calsync/internal/store"
)

const (
	// renewalHorizon is how far ahead of expiry a channel becomes eligible
	// for renewal.
	renewalHorizon = 24 * time.Hour

	renewalAttemptTimeout = 30 * time.Second
)

// RenewalReport summarizes one renewal pass.
type RenewalReport struct {
	Renewed int      `json:"renewed"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Scheduler runs periodic channel-renewal passes. It is driven externally
// (cron hitting an HTTP endpoint) rather than by an internal timer, so a
// fleet of instances doesn't race each other.
type Scheduler struct {
	settings store.SyncSettingsRepository
	registry *Registry
	audit    audit.Sink
	workers  int64

	attemptTimeout time.Duration
}

func NewScheduler(settings store.SyncSettingsRepository, registry *Registry, sink audit.Sink, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		settings:       settings,
		registry:       registry,
		audit:          sink,
		workers:        int64(workers),
		attemptTimeout: renewalAttemptTimeout,
	}
}

// RunRenewalPass renews every channel expiring within the horizon. Failures
// are isolated per user: one stuck renewal never blocks the rest of the
// pass, and a failed user keeps the old channel until it expires.
func (s *Scheduler) RunRenewalPass(ctx context.Context, now time.Time) (*RenewalReport, error) {
	expiring, err := s.settings.ListExpiringChannels(ctx, now.Add(renewalHorizon))
	if err != nil {
		return nil, fmt.Errorf("list expiring channels: %w", err)
	}

	report := &RenewalReport{}
	if len(expiring) == 0 {
		return report, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(s.workers)
	)
	for i := range expiring {
		user := expiring[i].UserID
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("user %d: %v", user, err))
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			err := s.renewOne(ctx, user)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, fmt.Sprintf("user %d: %v", user, err))
			} else {
				report.Renewed++
			}
		}()
	}
	wg.Wait()

	sort.Strings(report.Errors)
	log.Printf("channel: renewal pass done: renewed=%d failed=%d", report.Renewed, report.Failed)
	return report, nil
}

func (s *Scheduler) renewOne(ctx context.Context, userID int64) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()

	// Audits go against the pass ctx, not the attempt ctx. An attempt that
	// dies by exhausting its timeout must still get its failure recorded.
	ch, err := s.registry.RenewChannel(attemptCtx, userID)
	if err != nil {
		metrics.CountChannelRenewal("error")
		s.audit.Record(ctx, userID, store.ActionSyncFailed, fmt.Sprintf("channel renewal failed: %v", err))
		return err
	}

	metrics.CountChannelRenewal("ok")
	s.audit.Record(ctx, userID, store.ActionChannelRenewed, fmt.Sprintf("channel %s expires %s", ch.ID, ch.ExpiresAt.Format(time.RFC3339)))
	return nil
}
