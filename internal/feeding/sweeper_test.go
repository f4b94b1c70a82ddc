package feeding

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snackloader-backend/config"
	"snackloader-backend/internal/model"
	"snackloader-backend/internal/notification"
)

func TestSweepStale_ReleasesStuckFeeder(t *testing.T) {
	h := newHarness(t, func(c *config.FeedingConfig) {
		c.StaleAfter = 10 * time.Minute
		c.OfflineAfter = 0
	})
	ctx := context.Background()

	cmd, err := h.coord.RequestFeed(ctx, "feeder-1", model.PetCat, nil)
	require.NoError(t, err)

	res, err := h.coord.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Abandoned)
	assert.True(t, h.device(t).Pet(model.PetCat).FeedingActive)
	assert.Empty(t, h.changed)

	h.clock.Advance(11 * time.Minute)
	res, err = h.coord.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)
	require.Len(t, res.AbandonedFeeds, 1)
	assert.Equal(t, model.PetCat, res.AbandonedFeeds[0].Pet)
	assert.Equal(t, []string{"feeder-1"}, h.changed)

	d := h.device(t)
	assert.False(t, d.Pet(model.PetCat).FeedingActive)
	assert.Nil(t, d.Pet(model.PetCat).ActiveSince)

	var stored model.Command
	require.NoError(t, h.db.First(&stored, "id = ?", cmd.ID).Error)
	assert.True(t, stored.Processed)
	assert.True(t, stored.Abandoned)

	pending, err := h.coord.PollPendingCommands(ctx, "feeder-1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	events := h.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notification.EventFeedAbandoned, events[0].Kind)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.abandoned.WithLabelValues("cat")))

	// The other feeder is usable again.
	_, err = h.coord.RequestFeed(ctx, "feeder-1", model.PetDog, nil)
	assert.NoError(t, err)

	// Nothing left to release.
	res, err = h.coord.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Abandoned)
}

func TestSweepStale_AcknowledgedButNeverCompleted(t *testing.T) {
	h := newHarness(t, func(c *config.FeedingConfig) {
		c.StaleAfter = time.Minute
		c.OfflineAfter = 0
	})
	ctx := context.Background()

	cmd, err := h.coord.RequestFeed(ctx, "feeder-1", model.PetDog, nil)
	require.NoError(t, err)
	require.NoError(t, h.coord.AcknowledgeCommand(ctx, "feeder-1", cmd.ID))

	h.clock.Advance(2 * time.Minute)
	res, err := h.coord.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)
	assert.False(t, h.device(t).Pet(model.PetDog).FeedingActive)

	// Already processed by the device, so it is not flagged abandoned.
	var stored model.Command
	require.NoError(t, h.db.First(&stored, "id = ?", cmd.ID).Error)
	assert.False(t, stored.Abandoned)
}

func TestSweepStale_MarksDevicesOffline(t *testing.T) {
	h := newHarness(t, func(c *config.FeedingConfig) {
		c.StaleAfter = 0
		c.OfflineAfter = 2 * time.Minute
	})
	ctx := context.Background()

	require.NoError(t, h.coord.RecordHeartbeat(ctx, "feeder-1"))
	res, err := h.coord.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.MarkedOffline)

	h.clock.Advance(3 * time.Minute)
	res, err = h.coord.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.MarkedOffline)
	assert.False(t, h.device(t).Online)
}

func TestRun_DisabledReturnsImmediately(t *testing.T) {
	h := newHarness(t, func(c *config.FeedingConfig) {
		c.StaleAfter = 0
		c.OfflineAfter = 0
	})
	assert.False(t, h.coord.SweepEnabled())

	done := make(chan struct{})
	go func() {
		h.coord.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return with sweeps disabled")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, func(c *config.FeedingConfig) {
		c.OfflineAfter = time.Minute
		c.SweepInterval = 10 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.coord.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
