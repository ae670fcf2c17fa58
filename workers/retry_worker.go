// workers/retry_worker.go
package workers

import (
	"context"
	"log"
	"time"

	"claim-processor/services"
)

// PollFailures drains the failure queue on an interval and replays each
// record through the claim flow. This is the reference retry worker;
// deployments with a dedicated out-of-band worker leave it disabled and
// consume the queue themselves.
func PollFailures(ctx context.Context, claimService *services.ClaimService, pollInterval time.Duration) {
	log.Println("Starting failure retry worker...")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Failure retry worker stopped.")
			return
		case <-ticker.C:
			records, err := claimService.Failures.DequeueBatch(20)
			if err != nil {
				log.Printf("❌ Error dequeuing failures: %v", err)
				continue
			}
			if len(records) == 0 {
				continue
			}
			log.Printf("📥 Retrying %d queued failure(s)...", len(records))

			for _, f := range records {
				// Mark first so a crash mid-replay cannot loop one record
				// forever; the replay re-enqueues on a fresh failure.
				if err := claimService.Failures.MarkRetried(f.ID); err != nil {
					log.Printf("❌ Failed to mark failure %s retried: %v", f.ID, err)
					continue
				}
				if err := claimService.RetryClaim(ctx, f); err != nil {
					log.Printf("⚠️ Retry of failure %s did not succeed: %v", f.ID, err)
					continue
				}
				log.Printf("✅ Replayed failure %s (user %d, auction %d)", f.ID, f.UserID, f.AuctionID)
			}
		}
	}
}
