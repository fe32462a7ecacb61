// Package sim evaluates creatures by running one external simulator process
// per creature per episode and collecting the result artifacts it leaves on
// disk.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"softbot/internal/config"
	"softbot/internal/creature"
	"softbot/internal/scenario"
)

// TimeoutError reports result artifacts that never appeared. It is fatal:
// a missing result means the scenario itself was bad.
type TimeoutError struct {
	Creature   string
	Generation int
	Episode    int
	Missing    []string
	Waited     time.Duration
	ProcessErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("creature %s gen %d ep %d: no result after %s, missing %s",
		e.Creature, e.Generation, e.Episode, e.Waited, strings.Join(e.Missing, ", "))
	if e.ProcessErr != nil {
		msg += fmt.Sprintf(" (simulator: %v)", e.ProcessErr)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.ProcessErr }

type Options struct {
	Logger  *slog.Logger
	Metrics *Metrics
}

// Scheduler drives the evaluation of a cohort of creatures.
type Scheduler struct {
	cfg        config.SchedulerConfig
	episodes   int
	launcher   Launcher
	serializer scenario.Serializer
	metrics    *Metrics
	logger     *slog.Logger
}

func NewScheduler(cfg *config.Config, launcher Launcher, serializer scenario.Serializer, opts Options) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if serializer == nil {
		return nil, errors.New("scenario serializer is required")
	}
	if cfg.GA.EpSize <= 0 {
		return nil, fmt.Errorf("%w: ep_size must be > 0", config.ErrInvalidConfig)
	}
	if cfg.Scheduler.PollInterval <= 0 || cfg.Scheduler.ResultTimeout <= 0 {
		return nil, fmt.Errorf("%w: poll interval and result timeout must be > 0", config.ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		cfg:        cfg.Scheduler,
		episodes:   cfg.GA.EpSize,
		launcher:   launcher,
		serializer: serializer,
		metrics:    opts.Metrics,
		logger:     logger,
	}, nil
}

func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// OutputDir is where relocated artifacts land, resolved against WorkDir.
func (s *Scheduler) OutputDir() string {
	if filepath.IsAbs(s.cfg.OutputDir) {
		return s.cfg.OutputDir
	}
	return filepath.Join(s.cfg.WorkDir, s.cfg.OutputDir)
}

// EvaluateGeneration runs every episode of one generation in order. After
// the last episode each creature is reset to its baseline structure.
func (s *Scheduler) EvaluateGeneration(ctx context.Context, generation int, creatures []*creature.Creature) error {
	for episode := 0; episode < s.episodes; episode++ {
		last := episode == s.episodes-1
		if err := s.RunEpisode(ctx, generation, episode, creatures, last); err != nil {
			return err
		}
	}
	return nil
}

// RunEpisode dispatches every creature, waits for all spawns, then collects
// and adapts each creature as its results appear. Simulators launched for
// an episode that fails are cancelled.
func (s *Scheduler) RunEpisode(ctx context.Context, generation, episode int, creatures []*creature.Creature, last bool) (err error) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	var handles []Handle
	defer func() {
		if err != nil {
			cancel()
			return
		}
		// Release the episode context once every simulator has exited.
		go func() {
			for _, h := range handles {
				<-h.Done()
			}
			cancel()
		}()
	}()

	handles, err = s.dispatch(ctx, generation, episode, creatures)
	if err != nil {
		return err
	}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	if n := s.cfg.Concurrency; n > 0 {
		p = p.WithMaxGoroutines(n)
	}
	for i, c := range creatures {
		c, h := c, handles[i]
		p.Go(func(ctx context.Context) error {
			return s.collect(ctx, c, h, last)
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}
	s.metrics.episode(time.Since(start).Seconds())
	s.logger.Info("episode complete", "generation", generation, "episode", episode, "creatures", len(creatures), "elapsed", time.Since(start))
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, generation, episode int, creatures []*creature.Creature) ([]Handle, error) {
	handles := make([]Handle, len(creatures))
	p := pool.New().WithErrors()
	if n := s.cfg.Concurrency; n > 0 {
		p = p.WithMaxGoroutines(n)
	}
	for i, c := range creatures {
		i, c := i, c
		p.Go(func() error {
			a := c.Begin(generation, episode)
			g := c.Graph()
			in := scenario.Input{
				Name:        c.Name,
				Dims:        g.Dims(),
				Morphology:  g.Morphology(),
				Stiffness:   g.Stiffness(),
				FitnessFile: a.Fitness,
			}
			if err := scenario.WriteFile(s.serializer, filepath.Join(s.cfg.WorkDir, a.Scenario), in); err != nil {
				return fmt.Errorf("creature %s gen %d ep %d: %w", c.Name, generation, episode, err)
			}
			h, err := s.launcher.Launch(ctx, s.cfg.WorkDir, a.Scenario)
			if err != nil {
				return fmt.Errorf("creature %s gen %d ep %d: %w", c.Name, generation, episode, err)
			}
			handles[i] = h
			s.metrics.dispatched()
			return nil
		})
	}
	// Barrier: every process is spawned before any result is collected.
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return handles, nil
}

func (s *Scheduler) collect(ctx context.Context, c *creature.Creature, h Handle, last bool) error {
	a := c.Artifacts()
	if err := s.awaitArtifacts(ctx, c, h, a); err != nil {
		return err
	}
	if err := c.CalculateFitness(s.cfg.WorkDir); err != nil {
		return err
	}
	if err := s.retryZeroFitness(ctx, c); err != nil {
		return err
	}
	if err := c.CalculateStiffness(s.cfg.WorkDir); err != nil {
		return err
	}
	if err := s.relocate(c, a); err != nil {
		return err
	}
	if last {
		c.Reset()
	}
	return nil
}

func (s *Scheduler) awaitArtifacts(ctx context.Context, c *creature.Creature, h Handle, a creature.Artifacts) error {
	required := a.Required()
	paths := make([]string, len(required))
	for i, name := range required {
		paths[i] = filepath.Join(s.cfg.WorkDir, name)
	}

	start := time.Now()
	deadline := time.NewTimer(s.cfg.ResultTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		missing := missingFiles(paths)
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			s.metrics.timeout()
			return &TimeoutError{
				Creature:   c.Name,
				Generation: c.Generation,
				Episode:    c.Episode,
				Missing:    missingFiles(paths),
				Waited:     time.Since(start).Round(time.Millisecond),
				ProcessErr: exitErr(h),
			}
		case <-ticker.C:
		}
	}
}

// retryZeroFitness re-reads an exactly-zero fitness until it changes or the
// retry window closes. A zero that persists is accepted.
func (s *Scheduler) retryZeroFitness(ctx context.Context, c *creature.Creature) error {
	if c.FitnessEval != 0 || s.cfg.ZeroFitnessRetry <= 0 {
		return nil
	}
	s.metrics.zeroRetry()
	start := time.Now()
	for c.FitnessEval == 0 && time.Since(start) < s.cfg.ZeroFitnessRetry {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
		if err := c.RecomputeFitness(s.cfg.WorkDir); err != nil {
			return err
		}
	}
	if c.FitnessEval == 0 {
		s.logger.Warn("accepting zero fitness after retry", "creature", c.Name, "generation", c.Generation, "episode", c.Episode, "waited", time.Since(start))
	} else {
		s.logger.Debug("zero fitness recovered", "creature", c.Name, "fitness", c.FitnessEval)
	}
	return nil
}

// relocate moves the episode artifacts into <output>/<name>/gen_<g>/ep_<e>.
// Bulky force logs are discarded unless KeepFiles is set.
func (s *Scheduler) relocate(c *creature.Creature, a creature.Artifacts) error {
	dest := filepath.Join(s.OutputDir(), c.Name, fmt.Sprintf("gen_%d", c.Generation), fmt.Sprintf("ep_%d", c.Episode))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, name := range []string{a.Scenario, a.Fitness} {
		if err := moveFile(filepath.Join(s.cfg.WorkDir, name), filepath.Join(dest, name)); err != nil {
			return fmt.Errorf("relocate %s: %w", name, err)
		}
	}
	for _, name := range []string{a.Pressures, a.KE, a.Strain} {
		src := filepath.Join(s.cfg.WorkDir, name)
		var err error
		if s.cfg.KeepFiles {
			err = moveFile(src, filepath.Join(dest, name))
		} else {
			err = os.Remove(src)
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("relocate %s: %w", name, err)
		}
	}
	return nil
}

func missingFiles(paths []string) []string {
	var missing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	return missing
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if errors.Is(err, os.ErrNotExist) {
		return err
	}
	// Rename fails across filesystems; fall back to copy and remove.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
