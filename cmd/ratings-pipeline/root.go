package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Clark-Hu/ratings-pipeline/internal/config"
	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
	httpserver "github.com/Clark-Hu/ratings-pipeline/internal/http"
	"github.com/Clark-Hu/ratings-pipeline/internal/objectstore"
	"github.com/Clark-Hu/ratings-pipeline/internal/pipeline"
	"github.com/Clark-Hu/ratings-pipeline/internal/store"
	"github.com/Clark-Hu/ratings-pipeline/internal/trigger"
)

const logPrefix = "[ratings-pipeline] "

// errBatchFailed makes the process exit non-zero without repeating the
// outcome that was already printed.
var errBatchFailed = errors.New("batch failed")

func newLogger(w io.Writer) *log.Logger {
	return log.New(w, logPrefix, log.LstdFlags|log.Lshortfile)
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ratings-pipeline",
		Short:         "Data-quality gate, quarantine and aggregate refresh for movie ratings",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file; environment variables take precedence")

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("config error: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		serveCommand(loadConfig),
		ingestCommand(loadConfig),
		refreshCommand(loadConfig),
		migrateCommand(loadConfig),
	)
	return root
}

type configLoader func() (config.Config, error)

func serveCommand(loadConfig configLoader) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, landing-dir watcher and refresh scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireServer(); err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logger := newLogger(os.Stdout)
			return runServe(cmd.Context(), cfg, logger, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, logger *log.Logger, migrate bool) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate {
		if _, err := a.store.Migrate(ctx, cfg.MigrationsDir); err != nil {
			return err
		}
	}

	var objects objectstore.Client
	if cfg.ObjectStoreURL != "" {
		client, err := objectstore.NewHTTPClient(cfg.ObjectStoreURL, cfg.ObjectStoreAPIKey,
			time.Duration(cfg.ObjectStoreTimeoutSecs)*time.Second, logger)
		if err != nil {
			return fmt.Errorf("init object store client: %w", err)
		}
		objects = client
	}

	server := httpserver.New(cfg, httpserver.Deps{
		Runner:     a.trigger,
		Aggregates: a.refresher,
		Audit:      a.repo.Quarantine,
		Health:     a.store,
		Objects:    objects,
		Gatherer:   a.registry,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if err := a.refresher.Sync(ctx); err != nil {
		logger.Printf("main: load stored aggregate: %v", err)
	}
	if a.policy == pipeline.RefreshInterval {
		g.Go(func() error {
			a.refresher.Run(gctx, time.Duration(cfg.RefreshIntervalSecs)*time.Second)
			return nil
		})
	} else if a.refresher.Snapshot().Generation == 0 {
		if err := a.refresher.Refresh(ctx); err != nil {
			// Serving an empty snapshot until the next refresh is acceptable.
			logger.Printf("main: initial aggregate refresh failed: %v", err)
		}
	}
	g.Go(func() error {
		a.refresher.Watch(gctx, time.Duration(cfg.RefreshPollSecs)*time.Second)
		return nil
	})

	if cfg.LandingDir != "" {
		watcher, err := trigger.NewWatcher(cfg.LandingDir, a.trigger, 0, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	logger.Printf("main: listening on :%s (refresh policy %s)", cfg.Port, a.policy)
	return g.Wait()
}

func ingestCommand(loadConfig configLoader) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Run one CSV file through the pipeline and print the outcome (FILE may be - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "json" && output != "yaml" {
				return fmt.Errorf("--output must be json or yaml, got %q", output)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr())

			var in io.Reader = cmd.InOrStdin()
			source := "stdin"
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
				source = args[0]
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			out := a.trigger.Fire(cmd.Context(), source, in)
			if err := render(cmd.OutOrStdout(), out, output); err != nil {
				return err
			}
			if out.Status == domain.StatusFailure {
				return errBatchFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "outcome format: json or yaml")
	return cmd
}

// refreshReport is what the refresh command prints.
type refreshReport struct {
	Generation  uint64                `json:"generation" yaml:"generation"`
	RefreshedAt time.Time             `json:"refreshed_at" yaml:"refreshed_at"`
	Ratings     int64                 `json:"ratings" yaml:"ratings"`
	Items       []domain.AggregateRow `json:"items" yaml:"items"`
}

func refreshCommand(loadConfig configLoader) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Recompute the stored aggregate once and print it; running servers pick it up on their next poll",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "json" && output != "yaml" {
				return fmt.Errorf("--output must be json or yaml, got %q", output)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, newLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.refresher.Refresh(cmd.Context()); err != nil {
				return err
			}
			total, err := a.repo.Ratings.Count(cmd.Context())
			if err != nil {
				return err
			}
			snap := a.refresher.Snapshot()
			return render(cmd.OutOrStdout(), refreshReport{
				Generation:  snap.Generation,
				RefreshedAt: snap.RefreshedAt,
				Ratings:     total,
				Items:       snap.Rows,
			}, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "report format: json or yaml")
	return cmd
}

func migrateCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr())
			st, err := store.New(cmd.Context(), cfg.DBURL, storeOptions(cfg, logger))
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer st.Close()

			applied, err := st.Migrate(cmd.Context(), cfg.MigrationsDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
			return nil
		},
	}
}

// render writes v as indented JSON or YAML.
func render(w io.Writer, v any, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
