package session

import (
	"context"
	"log"
	"time"
)

// CleanupJob deletes dead sessions on a fixed interval. Failures are logged
// and the job reschedules regardless of the previous run's outcome.
type CleanupJob struct {
	Store            *Store
	Interval         time.Duration
	RevokedRetention time.Duration
}

func NewCleanupJob(store *Store, interval, revokedRetention time.Duration) *CleanupJob {
	return &CleanupJob{
		Store:            store,
		Interval:         interval,
		RevokedRetention: revokedRetention,
	}
}

// Run blocks until ctx is cancelled. Each tick fires its sweep in its own
// goroutine so an overrunning sweep cannot delay the next tick.
func (j *CleanupJob) Run(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go j.runOnce()
		}
	}
}

func (j *CleanupJob) runOnce() {
	start := time.Now()
	expired, revokedOld, err := j.Store.Sweep(start, j.RevokedRetention)
	if err != nil {
		log.Printf("session cleanup failed: %v", err)
		return
	}
	log.Printf("session cleanup done: expired=%d, revoked_old=%d, ms=%d",
		expired, revokedOld, time.Since(start).Milliseconds())
}
