package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release stale feeds and mark silent devices offline once, then exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := buildApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.coord.SweepStale(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		for _, sf := range res.AbandonedFeeds {
			logger.Info().Str("device_id", sf.DeviceID).Str("pet", string(sf.Pet)).Msg("released stale feed")
		}
		logger.Info().Int("abandoned", res.Abandoned).Int64("offline", res.MarkedOffline).Msg("sweep finished")
		return nil
	},
}
