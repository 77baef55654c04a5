package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"intunesync/internal/filter"
	"intunesync/internal/fingerprint"
	"intunesync/internal/probe"
	"intunesync/internal/source"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newProbeCmd fetches one endpoint and prints its column and identity
// profile without touching storage.
func newProbeCmd(f *rootFlags) *cobra.Command {
	var (
		endpoint string
		limit    int
		raw      bool
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Fetch an endpoint and report inferred columns, uniqueness and identity tiers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			log, err := buildLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			var ep *source.Endpoint
			for i := range cfg.Endpoints {
				if strings.EqualFold(cfg.Endpoints[i].Name, endpoint) {
					ep = &cfg.Endpoints[i]
					break
				}
			}
			if ep == nil {
				return fmt.Errorf("probe: no endpoint named %q", endpoint)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			src, err := newSource(ctx, cfg, []source.Endpoint{*ep}, log)
			if err != nil {
				return err
			}

			recs, err := src.Fetch(ctx, *ep)
			if err != nil {
				return err
			}
			if ep.IsDevices() && !raw {
				recs, _ = filter.NewOSFilter(cfg.DeviceOSFilter, log).Apply(recs)
			}
			ep.ApplyMappings(recs)
			if limit > 0 && len(recs) > limit {
				recs = recs[:limit]
			}

			log.Debug("probe sample", zap.String("endpoint", ep.Name), zap.Int("records", len(recs)))
			return probe.Analyze(recs, fingerprint.New(log)).Write(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", source.DevicesEndpoint, "endpoint name to probe")
	cmd.Flags().IntVar(&limit, "limit", 0, "profile at most this many records (0 = all fetched)")
	cmd.Flags().BoolVar(&raw, "raw", false, "skip the device OS filter")
	return cmd
}
