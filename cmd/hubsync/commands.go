package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pankaj-dahiya-devops/hubsync/internal/engine"
	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
	"github.com/pankaj-dahiya-devops/hubsync/internal/output"
	"github.com/pankaj-dahiya-devops/hubsync/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/hubsync/internal/scheduler"
	"github.com/pankaj-dahiya-devops/hubsync/internal/server"
	"github.com/pankaj-dahiya-devops/hubsync/internal/store"
	"github.com/pankaj-dahiya-devops/hubsync/internal/version"
)

// shutdownTimeout bounds the graceful HTTP shutdown in serve.
const shutdownTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hubsync",
		Short:         "hubsync: Security Hub findings ingestion with change history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to the configuration file (default: hubsync.yaml)")
	root.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newRegionsCmd(),
		newFindingsCmd(),
		newRunsCmd(),
		newConfigCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the operator HTTP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(cmd, cfg)

			st, err := store.Open(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			eng, err := buildEngine(ctx, cfg, st, logger)
			if err != nil {
				return err
			}
			schedule, err := cfg.CronSchedule()
			if err != nil {
				return err
			}

			sched := scheduler.New(eng, schedule, scheduler.Options{RunOnStart: cfg.Schedule.RunOnStart}, logger)
			sched.Start(ctx)

			srv := server.New(cfg.Server.Addr, sched, st, logger)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case <-ctx.Done():
				logger.Info().Msg("shutdown signal received")
			case err = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
				err = serr
			}
			sched.Stop()
			return err
		},
	}
}

func newRunCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ingestion cycle now and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(cmd, cfg)

			st, err := store.Open(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			eng, err := buildEngine(ctx, cfg, st, logger)
			if err != nil {
				return err
			}

			run, runErr := eng.Run(ctx, models.TriggerManual)
			if run != nil {
				if err := render(cmd.OutOrStdout(), format, run, func(w io.Writer) {
					output.RenderRunSummary(w, run, output.TableOptions{Colored: isTerminal(w)})
				}); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", `Output format: "table" or "json"`)
	return cmd
}

func newRegionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "regions",
		Short: "Print the regions the next run would poll",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(cmd, cfg)

			provider := common.NewDefaultAWSClientProvider(cfg.AWS.Region)
			resolver := engine.NewRegionResolver(discoverer(provider, cfg.AWS.Profile), cfg.AWS, logger)
			regions, err := resolver.Resolve(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range regions {
				fmt.Fprintln(cmd.OutOrStdout(), r)
			}
			return nil
		},
	}
}

func newFindingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "findings",
		Short: "Inspect stored findings",
	}

	var getFormat string
	get := &cobra.Command{
		Use:   "get <finding-id>",
		Short: "Print the canonical record of one finding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st store.Store) error {
				f, err := st.GetFinding(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), getFormat, f, func(w io.Writer) {
					output.RenderFinding(w, f, output.TableOptions{Colored: isTerminal(w)})
				})
			})
		},
	}
	get.Flags().StringVar(&getFormat, "format", "table", `Output format: "table" or "json"`)

	var historyFormat string
	history := &cobra.Command{
		Use:   "history <finding-id>",
		Short: "Print the change history of one finding, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(st store.Store) error {
				if _, err := st.GetFinding(cmd.Context(), args[0]); err != nil {
					return err
				}
				entries, err := st.ListHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), historyFormat, entries, func(w io.Writer) {
					output.RenderHistory(w, entries)
				})
			})
		},
	}
	history.Flags().StringVar(&historyFormat, "format", "table", `Output format: "table" or "json"`)

	cmd.AddCommand(get, history)
	return cmd
}

func newRunsCmd() *cobra.Command {
	var (
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the most recent ingestion runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			return withStore(cmd, func(st store.Store) error {
				runs, err := st.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), format, runs, func(w io.Writer) {
					output.RenderRuns(w, runs, output.TableOptions{Colored: isTerminal(w), IncludeTrigger: true})
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	cmd.Flags().StringVar(&format, "format", "table", `Output format: "table" or "json"`)
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (defaults, file, environment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), version.Info())
		},
	}
}

// render writes v as indented JSON when format is "json" and calls table
// otherwise.
func render(w io.Writer, format string, v any, table func(io.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
	case "table", "":
		table(w)
	default:
		return fmt.Errorf("unknown format %q: must be table or json", format)
	}
	return nil
}

// isTerminal reports whether w is a TTY, in which case severity and status
// labels are coloured.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
