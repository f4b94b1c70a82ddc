package feeding

import (
	"context"
	"time"

	"snackloader-backend/internal/notification"
	"snackloader-backend/internal/store"
)

// SweepResult summarises one sweep.
type SweepResult struct {
	Abandoned      int
	MarkedOffline  int64
	AbandonedFeeds []store.StaleFeed
}

// SweepEnabled reports whether either sweep threshold is configured.
func (c *Coordinator) SweepEnabled() bool {
	return c.cfg.StaleAfter > 0 || c.cfg.OfflineAfter > 0
}

// Run sweeps on a timer until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	if !c.SweepEnabled() {
		c.log.Info().Msg("staleness and offline sweeps are disabled")
		return
	}
	c.log.Info().Dur("interval", c.cfg.SweepInterval).Msg("starting sweeper")

	c.sweepAndLog(ctx)

	timer := time.NewTimer(c.cfg.SweepInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("sweeper shutting down")
			return
		case <-timer.C:
			c.sweepAndLog(ctx)
			timer.Reset(c.cfg.SweepInterval)
		}
	}
}

func (c *Coordinator) sweepAndLog(ctx context.Context) {
	res, err := c.SweepStale(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("sweep failed")
		return
	}
	if res.Abandoned > 0 || res.MarkedOffline > 0 {
		c.log.Info().
			Int("abandoned", res.Abandoned).
			Int64("offline", res.MarkedOffline).
			Msg("sweep finished")
	}
}

// SweepStale releases feeders that have been active longer than
// feeding.stale_after_seconds, marking their pending commands abandoned, and
// flags devices silent for longer than feeding.offline_after_seconds as
// offline.
func (c *Coordinator) SweepStale(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := c.now()

	if c.cfg.StaleAfter > 0 {
		cutoff := now.Add(-c.cfg.StaleAfter)
		stale, err := c.store.StaleFeeds(ctx, cutoff)
		if err != nil {
			return res, translate(err)
		}
		for _, sf := range stale {
			released, err := c.abandon(ctx, sf, cutoff)
			if err != nil {
				c.log.Error().Err(err).Str("device_id", sf.DeviceID).Str("pet", string(sf.Pet)).Msg("failed to release stale feed")
				continue
			}
			if !released {
				continue
			}
			res.Abandoned++
			res.AbandonedFeeds = append(res.AbandonedFeeds, sf)
		}
	}

	if c.cfg.OfflineAfter > 0 {
		n, err := c.store.MarkOffline(ctx, now.Add(-c.cfg.OfflineAfter))
		if err != nil {
			return res, translate(err)
		}
		res.MarkedOffline = n
	}
	return res, nil
}

// abandon releases one stale feed. It re-checks under the device lock so a
// completion that raced the sweep wins.
func (c *Coordinator) abandon(ctx context.Context, sf store.StaleFeed, cutoff time.Time) (bool, error) {
	unlock, err := c.locker.Lock(ctx, sf.DeviceID)
	if err != nil {
		return false, err
	}
	defer unlock()

	now := c.now()
	var released bool
	err = c.withRetry(ctx, func() error {
		released = false
		return c.store.MutateDevice(ctx, sf.DeviceID, func(tx store.DeviceTx) error {
			d := tx.Device()
			st := d.Pet(sf.Pet)
			if !st.FeedingActive || st.ActiveSince == nil || !st.ActiveSince.Before(cutoff) {
				return nil
			}
			pending, err := tx.PendingCommands(sf.Pet.CommandType())
			if err != nil {
				return err
			}
			for i := range pending {
				pending[i].MarkProcessed(now)
				pending[i].Abandoned = true
				if err := tx.SaveCommand(&pending[i]); err != nil {
					return err
				}
			}
			d.AbandonFeed(sf.Pet)
			released = true
			return nil
		})
	})
	if err != nil || !released {
		return false, translate(err)
	}

	c.changed(sf.DeviceID)
	c.metrics.abandoned.WithLabelValues(string(sf.Pet)).Inc()
	c.log.Warn().Str("device_id", sf.DeviceID).Str("pet", string(sf.Pet)).Msg("released stale feed")
	c.notifier.Dispatch(notification.FeedEvent{
		Kind:     notification.EventFeedAbandoned,
		DeviceID: sf.DeviceID,
		Pet:      sf.Pet,
		Time:     now,
	})
	return true, nil
}
