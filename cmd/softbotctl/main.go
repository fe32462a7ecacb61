package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"softbot/internal/stats"
	api "softbot/pkg/softbot"
)

var stdout io.Writer = os.Stdout

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "continue":
		return runContinue(ctx, args[1:])
	case "damage":
		return runDamage(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// commonFlags are shared by every subcommand that opens a client.
type commonFlags struct {
	configPath  string
	storeKind   string
	storePath   string
	reportsDir  string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML configuration merged over the embedded defaults")
	fs.StringVar(&c.storeKind, "store", "file", "snapshot backend: memory|file|sqlite")
	fs.StringVar(&c.storePath, "store-path", "", "snapshot directory (file) or database path (sqlite)")
	fs.StringVar(&c.reportsDir, "reports-dir", "reports", "directory for run artifacts and diagnostics")
	fs.StringVar(&c.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	fs.StringVar(&c.logFormat, "log-format", "text", "log format: text|json")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
}

// open builds the client and, when requested, the metrics endpoint. The
// returned func releases both.
func (c *commonFlags) open() (*api.Client, func(), error) {
	logger, err := newLogger(c.logLevel, c.logFormat)
	if err != nil {
		return nil, nil, err
	}

	var reg *prometheus.Registry
	if c.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	opts := api.Options{
		ConfigPath: c.configPath,
		StoreKind:  c.storeKind,
		StorePath:  c.storePath,
		ReportsDir: c.reportsDir,
		Logger:     logger,
	}
	if reg != nil {
		// A nil *Registry must not reach the interface field.
		opts.Registerer = reg
	}
	client, err := api.New(opts)
	if err != nil {
		return nil, nil, err
	}

	shutdown := func() {}
	if reg != nil {
		srv := &http.Server{
			Addr:              c.metricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "addr", c.metricsAddr, "err", err)
			}
		}()
		logger.Info("serving metrics", "addr", c.metricsAddr)
		shutdown = func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}
	}
	return client, func() {
		shutdown()
		_ = client.Close()
	}, nil
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

// generationsFlag distinguishes "not given" from an explicit zero.
func generationsFlag(fs *flag.FlagSet) *int {
	return fs.Int("generations", -1, "generations to run; defaults to ga.gen_size")
}

func generations(n *int) *int {
	if *n < 0 {
		return nil
	}
	return n
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	id := fs.String("population", "", "population id")
	gens := generationsFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, closeFn, err := common.open()
	if err != nil {
		return err
	}
	defer closeFn()

	summary, err := client.Init(ctx, api.InitRequest{PopulationID: *id, Generations: generations(gens)})
	if err != nil {
		return err
	}
	printSummary("init", summary)
	return nil
}

func runContinue(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("continue", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	id := fs.String("population", "", "population id")
	damaged := fs.Bool("damaged", false, "the population was created by the damage command")
	gens := generationsFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, closeFn, err := common.open()
	if err != nil {
		return err
	}
	defer closeFn()

	summary, err := client.Continue(ctx, api.ContinueRequest{
		PopulationID: *id,
		Damaged:      *damaged,
		Generations:  generations(gens),
	})
	if err != nil {
		return err
	}
	printSummary("continue", summary)
	return nil
}

func runDamage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("damage", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	var df damageFlags
	df.register(fs)
	source := fs.String("source", "", "population id to take the best creatures from")
	sourceDamaged := fs.Bool("source-damaged", false, "the source population is itself damaged")
	id := fs.String("population", "", "id of the damaged population; defaults to <source>_damaged")
	top := fs.Int("top", 0, "best registry creatures carried over; defaults to ga.pop_size")
	resetEvolution := fs.Bool("reset-evolution", false, "clear carried creatures' evolution logs and restart at generation 0")
	onBase := fs.Bool("on-base", false, "also damage the template creature used for regeneration")
	gens := generationsFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	descriptor, err := df.descriptor()
	if err != nil {
		return err
	}

	client, closeFn, err := common.open()
	if err != nil {
		return err
	}
	defer closeFn()

	summary, err := client.Damage(ctx, api.DamageRequest{
		SourceID:       *source,
		SourceDamaged:  *sourceDamaged,
		PopulationID:   *id,
		Damage:         descriptor,
		Top:            *top,
		ResetEvolution: *resetEvolution,
		OnBase:         *onBase,
		Generations:    generations(gens),
	})
	if err != nil {
		return err
	}
	printSummary("damage "+descriptor.Label(), summary)
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	id := fs.String("population", "", "population id")
	damaged := fs.Bool("damaged", false, "the population was created by the damage command")
	outDir := fs.String("out", "", "export directory; defaults to scheduler.output_dir")
	label := fs.String("label", "", "performance summary label; defaults to gen_<last>")
	activeOnly := fs.Bool("active-only", false, "rank only the active population instead of every registered creature")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, closeFn, err := common.open()
	if err != nil {
		return err
	}
	defer closeFn()

	summary, err := client.ExportHistory(ctx, api.ExportRequest{
		PopulationID: *id,
		Damaged:      *damaged,
		OutDir:       *outDir,
		Label:        *label,
		ActiveOnly:   *activeOnly,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "history run_id=%s creatures=%d dir=%s performance=%s\n",
		summary.RunID, summary.Creatures, summary.Directory, summary.PerformancePath)
	return nil
}

func runRuns(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	reportsDir := fs.String("reports-dir", "reports", "directory for run artifacts and diagnostics")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	entries, err := stats.ListRunIndex(*reportsDir)
	if err != nil {
		return err
	}
	if len(entries) > *limit {
		entries = entries[:*limit]
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "run_id=%s population=%s damaged=%t last_generation=%d best=%.6f created_at=%s\n",
			e.RunID, e.PopulationID, e.Damaged, e.LastGeneration, e.FinalBestFitness, e.CreatedAtUTC)
	}
	return nil
}

func printSummary(command string, s api.RunSummary) {
	fmt.Fprintf(stdout, "%s population=%s run_id=%s damaged=%t last_generation=%d best=%s fitness=%.6f artifacts=%s\n",
		command, s.PopulationID, s.RunID, s.Damaged, s.LastGeneration, s.BestName, s.BestFitness, s.ArtifactsDir)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: softbotctl <init|continue|damage|history|runs> [flags]", msg)
}
