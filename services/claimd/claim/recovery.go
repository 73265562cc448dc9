package claim

import "context"

// ResumeSubmitted scans for every claim left in submitted state and restarts a
// monitor for each. Run once at process start: a crash between transaction
// submission and settlement must not silently lose a claim. Resuming a claim
// that another still-running process is already monitoring is safe: the
// conditional settlement write makes duplicate monitors harmless.
func (c *Coordinator) ResumeSubmitted(ctx context.Context) (int, error) {
	claims, err := c.store.SubmittedClaims(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, pending := range claims {
		if c.StartMonitor(pending.UserID, pending.Nonce, pending.TxID) {
			resumed++
		}
	}
	if resumed > 0 {
		c.metrics.RecordResumed(resumed)
		c.logger.Info("resumed claim monitors", "count", resumed)
	}
	return resumed, nil
}
