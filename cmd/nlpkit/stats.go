package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"nlpkit/internal/audit"
	"nlpkit/internal/config"
	"nlpkit/internal/stats"
)

type statsOptions struct {
	watch  bool
	recent bool
	export string
}

func statsCmd(a *app) *cobra.Command {
	var opts statsOptions
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dispatch statistics",
		Long:  "Show statistics from a running 'nlpkit serve', or from the audit log when no server answers.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			source := func() (stats.Stats, error) { return getStats(a.cfg) }
			if opts.watch {
				return watchStats(cmd.OutOrStdout(), source, opts)
			}
			return renderStatsTo(cmd.OutOrStdout(), source, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "refresh every two seconds")
	cmd.Flags().BoolVar(&opts.recent, "recent", false, "show recent requests")
	cmd.Flags().StringVar(&opts.export, "export", "", "export format: json|csv")
	return cmd
}

type statsSource func() (stats.Stats, error)

func watchStats(w io.Writer, source statsSource, opts statsOptions) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	tty := opts.export == "" && isTerminal()
	if tty {
		fmt.Fprint(w, "\033[?25l")
		defer fmt.Fprint(w, "\033[?25h")
	}
	return watchStatsLoop(w, source, opts, tty, ticker.C, sigCh)
}

func watchStatsLoop(w io.Writer, source statsSource, opts statsOptions, redraw bool, ticks <-chan time.Time, stop <-chan os.Signal) error {
	for {
		var buf strings.Builder
		if err := renderStatsTo(&buf, source, opts); err != nil {
			return err
		}
		if redraw {
			fmt.Fprint(w, "\033[H\033[2J\033[3J")
		}
		fmt.Fprint(w, buf.String())
		select {
		case <-ticks:
		case <-stop:
			return nil
		}
	}
}

func renderStatsTo(w io.Writer, source statsSource, opts statsOptions) error {
	st, err := source()
	if err != nil {
		return err
	}
	switch strings.ToLower(opts.export) {
	case "":
		if opts.recent {
			printRecent(w, st)
			return nil
		}
		printSummary(w, st)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "csv":
		if !opts.recent {
			return fmt.Errorf("csv export requires --recent")
		}
		return exportRecentCSV(w, st.Recent)
	default:
		return fmt.Errorf("unsupported export format %q", opts.export)
	}
}

func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func getStats(cfg config.Config) (stats.Stats, error) {
	if st, err := fetchServerStats("http://" + cfg.Listen); err == nil {
		return st, nil
	}
	entries, err := audit.ParseFile(cfg.AuditLog)
	if err != nil {
		return stats.Stats{}, err
	}
	return stats.CollectFromEntries(entries, stats.Options{Now: time.Now().UTC(), Status: "stopped", Listen: cfg.Listen}), nil
}

func fetchServerStats(baseURL string) (stats.Stats, error) {
	var st stats.Stats
	resp, err := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(700 * time.Millisecond).
		R().
		SetResult(&st).
		Get("/api/stats")
	if err != nil {
		return stats.Stats{}, err
	}
	if resp.IsError() {
		return stats.Stats{}, fmt.Errorf("stats API status %d", resp.StatusCode())
	}
	return st, nil
}

func printSummary(w io.Writer, st stats.Stats) {
	fmt.Fprintln(w, "nlpkit Statistics")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Status:      %s\n", st.Status)
	fmt.Fprintf(w, "Uptime:      %s\n", time.Duration(st.UptimeSeconds)*time.Second)
	fmt.Fprintf(w, "Listen:      %s\n", st.Listen)
	fmt.Fprintf(w, "Requests:    %d (%.1f/min last 5m)\n", st.Requests.Total, st.Requests.PerMinute)
	fmt.Fprintf(w, "Outcomes:    ok %d | validation %d | engine %d\n", st.Outcomes.OK, st.Outcomes.ValidationError, st.Outcomes.EngineError)
	fmt.Fprintf(w, "Latency avg: resolve %.1fms | invoke %.1fms | total %.1fms\n", st.Latency.ResolveMs, st.Latency.InvokeMs, st.Latency.TotalMs)
	if st.Cache != nil {
		fmt.Fprintf(w, "Cache:       %d resident | %d hits | %d misses | %d load failures\n", st.Cache.Resident, st.Cache.Hits, st.Cache.Misses, st.Cache.LoadFailures)
	}

	if len(st.Outcomes.ByErrorKind) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Errors")
		fmt.Fprintln(w, strings.Repeat("-", 50))
		kinds := make([]string, 0, len(st.Outcomes.ByErrorKind))
		for k := range st.Outcomes.ByErrorKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		failed := st.Outcomes.ValidationError + st.Outcomes.EngineError
		for _, k := range kinds {
			v := st.Outcomes.ByErrorKind[k]
			fmt.Fprintf(w, "%-14s %5d %s\n", k+":", v, progress(v, failed))
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Tasks")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, t := range st.Tasks {
		fmt.Fprintf(w, "%-16s %6d requests %4d failed %8.1fms avg\n", t.Task, t.Requests, t.Failed, t.AvgMs)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Top Models")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, m := range st.TopModels {
		fmt.Fprintf(w, "%-44s %d\n", m.Model, m.Requests)
	}
}

func printRecent(w io.Writer, st stats.Stats) {
	fmt.Fprintln(w, "Recent Requests (last 20)")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	fmt.Fprintf(w, "%-10s %-16s %-40s %-17s %-6s %-8s\n", "TIME", "TASK", "MODEL", "STATUS", "CACHE", "LATENCY")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, r := range st.Recent {
		tm := r.Timestamp
		if ts, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
			tm = ts.Format("15:04:05")
		}
		cache := "miss"
		if r.CacheHit {
			cache = "hit"
		}
		model := r.Model
		if model == "" {
			model = "-"
		}
		fmt.Fprintf(w, "%-10s %-16s %-40s %-17s %-6s %-8.1fms\n", tm, r.Task, model, r.Status, cache, r.TotalMs)
	}
	fmt.Fprintln(w, strings.Repeat("-", 100))
	fmt.Fprintf(w, "Showing %d of %d total requests\n", len(st.Recent), st.Requests.Total)
}

func progress(v, total int) string {
	if total <= 0 {
		return ""
	}
	p := int(float64(v) / float64(total) * 20)
	if p > 20 {
		p = 20
	}
	return strings.Repeat("█", p) + strings.Repeat("░", 20-p)
}

func exportRecentCSV(w io.Writer, rows []stats.RecentRequest) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()
	if err := cw.Write([]string{"timestamp", "request_id", "task", "model", "status", "error_kind", "cache_hit", "latency_ms"}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{
			r.Timestamp,
			r.RequestID,
			r.Task,
			r.Model,
			r.Status,
			r.ErrorKind,
			fmt.Sprintf("%t", r.CacheHit),
			fmt.Sprintf("%.3f", r.TotalMs),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
