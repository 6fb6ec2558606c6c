package coordinator

import (
	"context"
	"time"
)

func (c *Coordinator) maintenanceLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunMaintenance(c.ctx); err != nil {
				c.logger.Error("Maintenance failed", "error", err)
			}
		}
	}
}

// RunMaintenance expires shares past the retention horizon and prunes the
// in-memory payout release history.
func (c *Coordinator) RunMaintenance(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().UTC().Add(-c.cfg.ShareRetention)
	removed, err := c.store.CleanupShares(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		c.logger.Info("Expired old shares", "removed", removed, "cutoff", cutoff)
	}

	kept := c.released[:0]
	for _, b := range c.released {
		if b.at.After(cutoff) {
			kept = append(kept, b)
		}
	}
	c.released = kept
	return nil
}

func (c *Coordinator) payoutLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PayoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.ProcessPayouts(c.ctx); err != nil {
				c.logger.Error("Payout processing failed", "error", err)
			}
		}
	}
}

// ProcessPayouts releases queued payouts above the minimum threshold and
// hands them to the release callback.
func (c *Coordinator) ProcessPayouts(ctx context.Context) error {
	c.mu.Lock()
	released, err := c.queue.Process(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	var total uint64
	for _, p := range released {
		total += p.Amount
	}
	if total > 0 {
		c.released = append(c.released, releasedBatch{at: time.Now().UTC(), amount: total})
	}
	c.mu.Unlock()

	if len(released) == 0 {
		return nil
	}
	if c.metrics != nil {
		c.metrics.RecordPayouts(len(released), total)
	}
	if c.OnPayoutsReleased != nil {
		c.OnPayoutsReleased(ctx, released)
	}
	return nil
}
