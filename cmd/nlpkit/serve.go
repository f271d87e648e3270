package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nlpkit/internal/pipeline"
	"nlpkit/internal/server"
	"nlpkit/internal/tasks"
)

func serveCmd(a *app) *cobra.Command {
	var listen string
	var warm bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dispatch API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.Listen = listen
			}
			svc, err := buildServices(a.cfg, a.log)
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if warm {
				keys := warmKeys(svc.catalog)
				a.log.Info("warming engines", "count", len(keys))
				if err := svc.cache.Warm(ctx, keys...); err != nil {
					a.log.Warn("warm-up incomplete", "err", err)
				}
			}

			opts := []server.Option{server.WithCacheStats(svc.cache), server.WithLogger(a.log)}
			if a.cfg.Metrics.Enabled {
				opts = append(opts, server.WithMetrics(svc.metrics.Handler()))
			}
			srv := server.New(server.Config{Listen: a.cfg.Listen, AuditLog: a.cfg.AuditLog}, svc.dispatcher, opts...)
			return server.Serve(ctx, srv, 5*time.Second)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&warm, "warm", false, "construct every default engine before serving")
	return cmd
}

// warmKeys lists the distinct keys behind each task's default model.
// Variant models are loaded on first use.
func warmKeys(c *tasks.Catalog) []pipeline.Key {
	seen := map[pipeline.Key]bool{}
	var keys []pipeline.Key
	for _, d := range c.All() {
		if d.Standalone() || d.DefaultModel == "" {
			continue
		}
		key := pipeline.Key{Pipeline: d.Pipeline, Model: d.DefaultModel}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}
