// services/scheduler.go
package services

import (
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartMaintenanceScheduler runs the background hygiene jobs: expired lock
// markers, stale wallet leases, and abandoned hashless claim rows.
func (s *ClaimService) StartMaintenanceScheduler() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every minute: drop lapsed lock markers
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			if n, err := s.Locks.PurgeExpired(); err != nil {
				log.Printf("[Scheduler] lock purge error: %v", err)
			} else if n > 0 {
				log.Printf("🧹 [Scheduler] purged %d expired lock(s)", n)
			}
		}),
	)

	// Every 5 minutes: reap leases whose owner never released
	_, _ = sched.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(func() {
			if _, err := s.Pool.ReapStale(); err != nil {
				log.Printf("[Scheduler] lease reap error: %v", err)
			}
		}),
	)

	// Every 10 minutes: delete abandoned claim rows so identities can retry
	_, _ = sched.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() {
			if n, err := s.Ledger.PurgeAbandoned(10 * time.Minute); err != nil {
				log.Printf("[Scheduler] abandoned claim purge error: %v", err)
			} else if n > 0 {
				log.Printf("🧹 [Scheduler] purged %d abandoned claim row(s)", n)
			}
		}),
	)
}
