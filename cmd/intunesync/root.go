package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"intunesync/internal/config"
	"intunesync/internal/syncer"

	"github.com/spf13/cobra"
)

// errInvalidConfig is returned after the issues were printed.
var errInvalidConfig = errors.New("configuration is invalid")

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:   "intunesync",
		Short: "Mirror Intune device data into SQL databases",
		Long: `intunesync polls Microsoft Graph endpoints (managed devices by default),
filters devices by operating system and upserts every record into SQLite,
PostgreSQL and/or SQL Server, adding columns as new fields appear.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "config file (JSON or YAML); environment variables override it")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(f),
		newOnceCmd(f),
		newHealthCmd(f),
		newValidateCmd(f),
		newProbeCmd(f),
	)
	return root
}

// loadConfig loads, applies flag overrides and validates. Issues are printed
// to w; errors stop the command.
func loadConfig(f *rootFlags, w io.Writer) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	issues := config.Validate(cfg)
	printIssues(w, issues)
	if config.HasErrors(issues) {
		return cfg, errInvalidConfig
	}
	return cfg, nil
}

func printIssues(w io.Writer, issues []config.Issue) {
	for _, iss := range issues {
		fmt.Fprintln(w, iss.String())
	}
}

func newRunCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync on the poll interval until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.svc.Run(ctx)
		},
	}
}

func newOnceCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single sync pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.svc.RunOnce(ctx)
			printReport(cmd.OutOrStdout(), rep)
			return err
		},
	}
}

func printReport(w io.Writer, rep syncer.PassReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tTABLE\tFETCHED\tFILTERED\tSTORED\tFAILED")
	for _, r := range rep.Results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", r.Endpoint, r.Table, r.Fetched, r.Filtered, r.Stored, r.Failed)
	}
	fmt.Fprintf(tw, "total\t\t%d\t%d\t%d\t%d\n", rep.Fetched, rep.Filtered, rep.Stored, rep.Failed)
	_ = tw.Flush()
	for _, e := range rep.EndpointErrors {
		fmt.Fprintf(w, "endpoint %s: %v\n", e.Endpoint, e.Err)
	}
	fmt.Fprintf(w, "duration: %s\n", rep.Duration)
}

func newHealthCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Open every configured backend and check it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f, cmd.ErrOrStderr())
			if err != nil && !errors.Is(err, errInvalidConfig) {
				return err
			}
			log, lerr := buildLogger(cfg)
			if lerr != nil {
				return lerr
			}
			defer func() { _ = log.Sync() }()

			results := checkBackends(cmd.Context(), cfg, log)
			failed := 0
			for _, r := range results {
				status := "ok"
				if r.Err != nil {
					status = "FAIL: " + r.Err.Error()
					failed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", r.Kind, status)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d backends unhealthy", failed, len(results))
			}
			return nil
		},
	}
}

func newValidateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Print configuration issues; exit non-zero on errors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(f, cmd.OutOrStdout()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
}
