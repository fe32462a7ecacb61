package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"softbot/internal/config"
	"softbot/internal/creature"
	"softbot/internal/scenario"
	"softbot/internal/voxel"
)

// fakeSimulator writes result artifacts for every launched scenario, unless
// the scenario belongs to a creature listed in silent.
type fakeSimulator struct {
	voxels   int
	silent   map[string]bool
	fitness  func(key string, call int) string
	launched atomic.Int32
	mu       sync.Mutex
	calls    map[string]int
}

func (f *fakeSimulator) Launch(_ context.Context, dir, scenarioFile string) (Handle, error) {
	f.launched.Add(1)
	h := newProcHandle()
	key := strings.TrimSuffix(scenarioFile, ".vxa")
	for name := range f.silent {
		if strings.HasPrefix(key, name+"_gen") {
			h.finish(errors.New("simulator crashed"))
			return h, nil
		}
	}
	go func() {
		fitness := key + "_fitness.xml"
		x := "1.0"
		if f.fitness != nil {
			f.mu.Lock()
			if f.calls == nil {
				f.calls = map[string]int{}
			}
			f.calls[key]++
			call := f.calls[key]
			f.mu.Unlock()
			x = f.fitness(key, call)
		}
		var ke strings.Builder
		for r := 0; r < 2; r++ {
			for i := 0; i < f.voxels; i++ {
				ke.WriteString("1,")
			}
			ke.WriteString("\n")
		}
		write := func(name, content string) {
			_ = os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
		}
		write("ke"+fitness+".csv", ke.String())
		write("strain"+fitness+".csv", "0,\n")
		write(fitness, fmt.Sprintf("<Fitness><normDistX>%s</normDistX><normDistY>0</normDistY><normDistZ>0</normDistZ></Fitness>", x))
		write("pressures"+fitness+".csv", "0,\n")
		h.finish(nil)
	}()
	return h, nil
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Structure.Dims = [3]int{2, 2, 2}
	cfg.Structure.Sections = [3]int{1, 1, 1}
	cfg.Structure.Template = []string{"3333", "3443"}
	cfg.GA.EpSize = 2
	cfg.Scheduler.WorkDir = dir
	cfg.Scheduler.OutputDir = "generated_files"
	cfg.Scheduler.PollInterval = 5 * time.Millisecond
	cfg.Scheduler.ResultTimeout = 2 * time.Second
	cfg.Scheduler.ZeroFitnessRetry = 200 * time.Millisecond
	return cfg
}

func testCreatures(t *testing.T, cfg *config.Config, n int) []*creature.Creature {
	t.Helper()
	g, err := voxel.Build(cfg.Structure)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	rng := rand.New(rand.NewSource(1))
	out := make([]*creature.Creature, n)
	for i := range out {
		c, err := creature.New(fmt.Sprintf("creature_%d", i), cfg, g, rng)
		if err != nil {
			t.Fatalf("new creature: %v", err)
		}
		out[i] = c
	}
	return out
}

func testScheduler(t *testing.T, cfg *config.Config, launcher Launcher, metrics *Metrics) *Scheduler {
	t.Helper()
	vxa, err := scenario.NewVXA(cfg.Materials, cfg.Structure)
	if err != nil {
		t.Fatalf("new vxa: %v", err)
	}
	s, err := NewScheduler(cfg, launcher, vxa, Options{Metrics: metrics})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func TestEvaluateGenerationRelocatesArtifacts(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	creatures := testCreatures(t, cfg, 3)
	sim := &fakeSimulator{voxels: 8}
	metrics := NewMetrics(prometheus.NewRegistry())
	s := testScheduler(t, cfg, sim, metrics)

	if err := s.EvaluateGeneration(context.Background(), 0, creatures); err != nil {
		t.Fatalf("evaluate generation: %v", err)
	}
	if got := sim.launched.Load(); got != 6 {
		t.Fatalf("expected 6 launches, got %d", got)
	}
	if got := testutil.ToFloat64(metrics.Dispatched); got != 6 {
		t.Fatalf("dispatched metric: got=%f want=6", got)
	}

	for _, c := range creatures {
		if c.Score != 1.0 {
			t.Fatalf("creature %s score: got=%f want=1", c.Name, c.Score)
		}
		if c.FitnessEval != 0 {
			t.Fatalf("creature %s should be reset after last episode, fitness=%f", c.Name, c.FitnessEval)
		}
		if len(c.Evolution[0]) != 2 {
			t.Fatalf("creature %s should log both episodes, got %d", c.Name, len(c.Evolution[0]))
		}
		for ep := 0; ep < 2; ep++ {
			a := creature.ArtifactNames(c.Name, 0, ep)
			epDir := filepath.Join(dir, "generated_files", c.Name, "gen_0", fmt.Sprintf("ep_%d", ep))
			for _, name := range []string{a.Scenario, a.Fitness} {
				if _, err := os.Stat(filepath.Join(epDir, name)); err != nil {
					t.Fatalf("expected relocated %s: %v", name, err)
				}
			}
			if _, err := os.Stat(filepath.Join(epDir, a.KE)); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("force log should be discarded without keep_files, err=%v", err)
			}
			if _, err := os.Stat(filepath.Join(dir, a.Pressures)); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("pressures log left in work dir, err=%v", err)
			}
		}
	}
}

func TestKeepFilesMovesForceLogs(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.GA.EpSize = 1
	cfg.Scheduler.KeepFiles = true
	creatures := testCreatures(t, cfg, 1)
	s := testScheduler(t, cfg, &fakeSimulator{voxels: 8}, nil)

	if err := s.EvaluateGeneration(context.Background(), 3, creatures); err != nil {
		t.Fatalf("evaluate generation: %v", err)
	}
	a := creature.ArtifactNames("creature_0", 3, 0)
	epDir := filepath.Join(dir, "generated_files", "creature_0", "gen_3", "ep_0")
	for _, name := range []string{a.Pressures, a.KE, a.Strain} {
		if _, err := os.Stat(filepath.Join(epDir, name)); err != nil {
			t.Fatalf("expected kept %s: %v", name, err)
		}
	}
}

func TestTimeoutNamesCreatureAndMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Scheduler.ResultTimeout = 50 * time.Millisecond
	creatures := testCreatures(t, cfg, 2)
	sim := &fakeSimulator{voxels: 8, silent: map[string]bool{"creature_1": true}}
	metrics := NewMetrics(nil)
	s := testScheduler(t, cfg, sim, metrics)

	done := make(chan error, 1)
	go func() { done <- s.EvaluateGeneration(context.Background(), 0, creatures) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("evaluation hung past the result timeout")
	}

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Creature != "creature_1" || timeout.Generation != 0 || timeout.Episode != 0 {
		t.Fatalf("unexpected timeout identity: %+v", timeout)
	}
	want := filepath.Join(dir, "creature_1_gen0_ep0_fitness.xml")
	if len(timeout.Missing) == 0 || timeout.Missing[0] != want {
		t.Fatalf("missing paths should include %s, got %v", want, timeout.Missing)
	}
	if !strings.Contains(err.Error(), "creature_1") || !strings.Contains(err.Error(), want) {
		t.Fatalf("error message should name creature and file: %v", err)
	}
	if timeout.ProcessErr == nil {
		t.Fatal("expected the simulator exit error to be attached")
	}
	if got := testutil.ToFloat64(metrics.Timeouts); got != 1 {
		t.Fatalf("timeout metric: got=%f want=1", got)
	}
}

// blockingSimulator starts processes that only end when their context is
// cancelled, and fails to launch the creature named in broken.
type blockingSimulator struct {
	broken  string
	mu      sync.Mutex
	handles []*procHandle
}

func (b *blockingSimulator) Launch(ctx context.Context, _ string, scenarioFile string) (Handle, error) {
	if strings.HasPrefix(scenarioFile, b.broken+"_gen") {
		return nil, errors.New("exec format error")
	}
	h := newProcHandle()
	b.mu.Lock()
	b.handles = append(b.handles, h)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		h.finish(ctx.Err())
	}()
	return h, nil
}

func TestFailedDispatchStopsLaunchedSimulators(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	creatures := testCreatures(t, cfg, 4)
	sim := &blockingSimulator{broken: "creature_2"}
	s := testScheduler(t, cfg, sim, nil)

	err := s.RunEpisode(context.Background(), 0, 0, creatures, false)
	if err == nil || !strings.Contains(err.Error(), "creature_2") {
		t.Fatalf("expected launch failure for creature_2, got %v", err)
	}
	sim.mu.Lock()
	handles := append([]*procHandle(nil), sim.handles...)
	sim.mu.Unlock()
	if len(handles) != 3 {
		t.Fatalf("expected three launched simulators, got %d", len(handles))
	}
	for i, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("simulator %d still running after the episode failed", i)
		}
	}
}

func TestZeroFitnessIsRetried(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.GA.EpSize = 1
	creatures := testCreatures(t, cfg, 1)
	metrics := NewMetrics(nil)

	// The first result reads zero; a later rewrite carries the real value.
	sim := &fakeSimulator{voxels: 8, fitness: func(string, int) string { return "0" }}
	s := testScheduler(t, cfg, sim, metrics)
	go func() {
		fitness := filepath.Join(dir, "creature_0_gen0_ep0_fitness.xml")
		for i := 0; i < 200; i++ {
			if _, err := os.Stat(fitness); err == nil {
				time.Sleep(20 * time.Millisecond)
				_ = os.WriteFile(fitness+".tmp", []byte("<Fitness><normDistX>0.75</normDistX><normDistY>0</normDistY><normDistZ>0</normDistZ></Fitness>"), 0o644)
				_ = os.Rename(fitness+".tmp", fitness)
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	if err := s.EvaluateGeneration(context.Background(), 0, creatures); err != nil {
		t.Fatalf("evaluate generation: %v", err)
	}
	if creatures[0].Score != 0.75 {
		t.Fatalf("expected retried fitness 0.75, got %f", creatures[0].Score)
	}
	if got := testutil.ToFloat64(metrics.ZeroRetries); got != 1 {
		t.Fatalf("zero retry metric: got=%f want=1", got)
	}
}

func TestZeroFitnessAcceptedAfterWindow(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.GA.EpSize = 1
	cfg.Scheduler.ZeroFitnessRetry = 30 * time.Millisecond
	creatures := testCreatures(t, cfg, 1)
	sim := &fakeSimulator{voxels: 8, fitness: func(string, int) string { return "0" }}
	s := testScheduler(t, cfg, sim, nil)

	if err := s.EvaluateGeneration(context.Background(), 0, creatures); err != nil {
		t.Fatalf("evaluate generation: %v", err)
	}
	if creatures[0].Score != 0 {
		t.Fatalf("expected zero fitness to be accepted, got %f", creatures[0].Score)
	}
}

func TestNewSchedulerValidation(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	vxa, err := scenario.NewVXA(cfg.Materials, cfg.Structure)
	if err != nil {
		t.Fatalf("new vxa: %v", err)
	}
	if _, err := NewScheduler(cfg, nil, vxa, Options{}); err == nil {
		t.Fatal("expected error for nil launcher")
	}
	cfg.Scheduler.PollInterval = 0
	if _, err := NewScheduler(cfg, &fakeSimulator{}, vxa, Options{}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestExecLauncherRequiresPath(t *testing.T) {
	if _, err := (ExecLauncher{}).Launch(context.Background(), t.TempDir(), "x.vxa"); !errors.Is(err, ErrNoSimulator) {
		t.Fatalf("expected ErrNoSimulator, got %v", err)
	}
}
