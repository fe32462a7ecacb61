// Package softbot is the public entry point for evolving voxel creatures:
// create a population, continue it, damage it and export its history.
package softbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"softbot/internal/config"
	"softbot/internal/damage"
	"softbot/internal/evo"
	"softbot/internal/scenario"
	"softbot/internal/sim"
	"softbot/internal/stats"
	"softbot/internal/storage"
)

const (
	defaultStoreKind  = "file"
	defaultSnapshots  = "snapshots"
	defaultDBPath     = "softbot.db"
	defaultReportsDir = "reports"
)

type Options struct {
	// Config takes precedence over ConfigPath. Both empty means the
	// embedded defaults.
	Config     *config.Config
	ConfigPath string

	StoreKind string
	// StorePath is the snapshot directory for the file store and the
	// database file for sqlite.
	StorePath  string
	ReportsDir string

	// Launcher overrides the simulator process launcher built from the
	// scheduler configuration.
	Launcher   sim.Launcher
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

type Client struct {
	cfg        *config.Config
	store      storage.Store
	scheduler  *sim.Scheduler
	metrics    *sim.Metrics
	logger     *slog.Logger
	reportsDir string
}

type RunSummary struct {
	PopulationID     string
	RunID            string
	Damaged          bool
	LastGeneration   int
	BestByGeneration []float64
	BestName         string
	BestFitness      float64
	ArtifactsDir     string
}

type InitRequest struct {
	PopulationID string
	// Generations defaults to ga.gen_size. Zero generations only creates
	// and persists the population.
	Generations *int
}

type ContinueRequest struct {
	PopulationID string
	Damaged      bool
	Generations  *int
}

type DamageRequest struct {
	SourceID      string
	SourceDamaged bool
	PopulationID  string
	Damage        damage.Descriptor
	// Top defaults to ga.pop_size.
	Top            int
	ResetEvolution bool
	OnBase         bool
	Generations    *int
}

type ExportRequest struct {
	PopulationID string
	Damaged      bool
	// OutDir defaults to the scheduler output directory.
	OutDir string
	// Label names the ranked summary; it defaults to gen_<last>.
	Label string
	// ActiveOnly ranks the active set instead of every registered creature.
	ActiveOnly bool
}

type ExportSummary struct {
	RunID           string
	Directory       string
	Creatures       int
	PerformancePath string
}

func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = defaultStoreKind
	}
	storePath := opts.StorePath
	if storePath == "" {
		storePath = defaultSnapshots
		if storeKind == "sqlite" {
			storePath = defaultDBPath
		}
	}
	reportsDir := opts.ReportsDir
	if reportsDir == "" {
		reportsDir = defaultReportsDir
	}

	launcher := opts.Launcher
	if launcher == nil {
		launcher = sim.ExecLauncher{
			Path:   cfg.Scheduler.SimulatorPath,
			Args:   cfg.Scheduler.SimulatorArgs,
			Logger: logger,
		}
	}
	vxa, err := scenario.NewVXA(cfg.Materials, cfg.Structure)
	if err != nil {
		return nil, err
	}
	metrics := sim.NewMetrics(opts.Registerer)
	scheduler, err := sim.NewScheduler(cfg, launcher, vxa, sim.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(storeKind, storePath)
	if err != nil {
		return nil, err
	}
	if err := store.Init(context.Background()); err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}

	return &Client{
		cfg:        cfg,
		store:      store,
		scheduler:  scheduler,
		metrics:    metrics,
		logger:     logger,
		reportsDir: reportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Config() *config.Config { return c.cfg }

func (c *Client) Metrics() *sim.Metrics { return c.metrics }

// Init creates a fresh population and evolves it.
func (c *Client) Init(ctx context.Context, req InitRequest) (RunSummary, error) {
	id := populationID(req.PopulationID)
	sink, err := c.diagnosticsSink(id)
	if err != nil {
		return RunSummary{}, err
	}
	defer sink.Close()

	p, err := evo.New(c.cfg, c.populationOptions(id, sink))
	if err != nil {
		return RunSummary{}, err
	}
	if err := c.writeConfig(id); err != nil {
		return RunSummary{}, err
	}
	return c.evolve(ctx, p, c.generations(req.Generations))
}

// Continue restores a persisted population and resumes evolution from its
// last completed generation.
func (c *Client) Continue(ctx context.Context, req ContinueRequest) (RunSummary, error) {
	id := populationID(req.PopulationID)
	sink, err := c.diagnosticsSink(id)
	if err != nil {
		return RunSummary{}, err
	}
	defer sink.Close()

	p, err := evo.Load(ctx, c.cfg, req.Damaged, c.populationOptions(id, sink))
	if err != nil {
		return RunSummary{}, err
	}
	if p.LastGeneration() >= 0 {
		if err := p.SelectAndRegenerate(); err != nil {
			return RunSummary{}, err
		}
	}
	return c.evolve(ctx, p, c.generations(req.Generations))
}

// Damage derives a damaged population from the best creatures of a
// persisted one and evolves it.
func (c *Client) Damage(ctx context.Context, req DamageRequest) (RunSummary, error) {
	srcID := populationID(req.SourceID)
	src, err := evo.Load(ctx, c.cfg, req.SourceDamaged, evo.Options{ID: srcID, Store: c.store, Logger: c.logger})
	if err != nil {
		return RunSummary{}, err
	}

	id := req.PopulationID
	if id == "" {
		id = srcID + "_damaged"
	}
	sink, err := c.diagnosticsSink(id)
	if err != nil {
		return RunSummary{}, err
	}
	defer sink.Close()

	p, err := evo.NewDamaged(src, evo.DamagedOptions{
		Options:        c.populationOptions(id, sink),
		Damage:         req.Damage,
		Top:            req.Top,
		ResetEvolution: req.ResetEvolution,
		OnBase:         req.OnBase,
	})
	if err != nil {
		return RunSummary{}, err
	}
	if err := c.writeConfig(id); err != nil {
		return RunSummary{}, err
	}
	return c.evolve(ctx, p, c.generations(req.Generations))
}

// ExportHistory writes every registered creature's evolution log and the
// ranked performance summary of a persisted population.
func (c *Client) ExportHistory(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	id := populationID(req.PopulationID)
	p, err := evo.Load(ctx, c.cfg, req.Damaged, evo.Options{ID: id, Store: c.store, Logger: c.logger})
	if err != nil {
		return ExportSummary{}, err
	}
	outDir := req.OutDir
	if outDir == "" {
		outDir = c.scheduler.OutputDir()
	}
	label := req.Label
	if label == "" {
		label = fmt.Sprintf("gen_%d", p.LastGeneration())
	}

	registry := p.Registry()
	for _, cr := range registry {
		if _, err := stats.WriteEvolution(outDir, cr.Name, cr.Evolution); err != nil {
			return ExportSummary{}, fmt.Errorf("export %s: %w", cr.Name, err)
		}
	}
	ranked := registry
	if req.ActiveOnly {
		ranked = p.Active()
	}
	perfPath, err := stats.WritePerformance(outDir, label, stats.RankCreatures(ranked))
	if err != nil {
		return ExportSummary{}, err
	}
	c.logger.Info("history exported", "population", id, "creatures", len(registry), "dir", outDir)
	return ExportSummary{
		RunID:           p.RunID(),
		Directory:       outDir,
		Creatures:       len(registry),
		PerformancePath: perfPath,
	}, nil
}

// Runs lists indexed runs, newest first. limit <= 0 returns all of them.
func (c *Client) Runs(limit int) ([]stats.RunIndexEntry, error) {
	entries, err := stats.ListRunIndex(c.reportsDir)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (c *Client) evolve(ctx context.Context, p *evo.Population, generations int) (RunSummary, error) {
	if generations > 0 {
		if err := p.Run(ctx, generations); err != nil {
			return RunSummary{}, err
		}
	} else if err := p.Persist(ctx); err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{
		PopulationID:     p.ID(),
		RunID:            p.RunID(),
		Damaged:          p.Damaged(),
		LastGeneration:   p.LastGeneration(),
		BestByGeneration: p.FitnessHistory(),
	}
	if diags := p.Diagnostics(); len(diags) > 0 {
		last := diags[len(diags)-1]
		summary.BestName = last.BestName
		summary.BestFitness = last.BestFitness
	}

	dir, err := c.writeRunArtifacts(p)
	if err != nil {
		return RunSummary{}, err
	}
	summary.ArtifactsDir = dir
	return summary, nil
}

func (c *Client) writeRunArtifacts(p *evo.Population) (string, error) {
	var labels []string
	for _, d := range p.Damage() {
		labels = append(labels, d.Descriptor.Label())
	}
	history := p.FitnessHistory()
	final := 0.0
	if len(history) > 0 {
		final = history[len(history)-1]
	}
	dir, err := stats.WriteRunArtifacts(c.reportsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:          p.RunID(),
			PopulationID:   p.ID(),
			Damaged:        p.Damaged(),
			Damage:         labels,
			PopulationSize: c.cfg.GA.PopSize,
			Episodes:       c.cfg.GA.EpSize,
			Top:            c.cfg.GA.Top,
			Evolve:         c.cfg.GA.Evolve,
			Seed:           c.cfg.GA.Seed,
		},
		LastGeneration:        p.LastGeneration(),
		BestByGeneration:      history,
		GenerationDiagnostics: p.Diagnostics(),
		FinalBestFitness:      final,
		Lineage:               p.Lineage(),
	})
	if err != nil {
		return "", err
	}
	err = stats.AppendRunIndex(c.reportsDir, stats.RunIndexEntry{
		RunID:            p.RunID(),
		PopulationID:     p.ID(),
		Damaged:          p.Damaged(),
		LastGeneration:   p.LastGeneration(),
		FinalBestFitness: final,
		CreatedAtUTC:     time.Now().UTC().Format(time.RFC3339Nano),
	})
	return dir, err
}

func (c *Client) populationOptions(id string, sink *stats.DiagnosticsWriter) evo.Options {
	return evo.Options{
		ID:          id,
		Evaluator:   c.scheduler,
		Store:       c.store,
		Observer:    c.metrics,
		Diagnostics: sink,
		Logger:      c.logger,
	}
}

func (c *Client) diagnosticsSink(id string) (*stats.DiagnosticsWriter, error) {
	return stats.NewDiagnosticsWriter(filepath.Join(c.reportsDir, id))
}

// writeConfig records the effective configuration next to the population's
// diagnostics.
func (c *Client) writeConfig(id string) error {
	return c.cfg.WriteYAML(filepath.Join(c.reportsDir, id, "config.yaml"))
}

func (c *Client) generations(n *int) int {
	if n == nil {
		return c.cfg.GA.GenSize
	}
	return *n
}

func populationID(id string) string {
	if id == "" {
		return evo.DefaultPopulationID
	}
	return id
}

// IsConfigError reports whether err is a configuration problem rather than a
// simulator failure.
func IsConfigError(err error) bool {
	return errors.Is(err, config.ErrInvalidConfig) ||
		errors.Is(err, evo.ErrQuotaExceeded) ||
		errors.Is(err, evo.ErrDamageMismatch) ||
		errors.Is(err, damage.ErrInvalidOperation) ||
		errors.Is(err, damage.ErrUnknownOperation) ||
		errors.Is(err, damage.ErrInvalidSelector)
}
