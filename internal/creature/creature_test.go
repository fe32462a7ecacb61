package creature

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"softbot/internal/config"
	"softbot/internal/damage"
	"softbot/internal/nn"
	"softbot/internal/voxel"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Structure.Dims = [3]int{4, 4, 2}
	cfg.Structure.Sections = [3]int{2, 2, 1}
	cfg.Structure.Template = []string{
		"3333333333333333",
		"3333344334433333",
	}
	return cfg
}

func testCreature(t *testing.T, cfg *config.Config) *Creature {
	t.Helper()
	g, err := voxel.Build(cfg.Structure)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	controller, err := nn.FromParams(nn.Params{
		Activation: "tanh",
		Bounds:     [2]float64{-1, 1},
		W1:         [][]float64{{1, 0, 0}},
		B1:         []float64{0},
		W2:         [][]float64{{1}},
		B2:         []float64{0},
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	return Assemble("creature_0", 0.25, cfg, g, controller)
}

const fitnessDoc = `<?xml version="1.0" encoding="ISO-8859-1"?>
<Voxelyze_Sim_Result Version="1.0">
<Fitness>
	<normDistX>2.0</normDistX>
	<normDistY>-0.5</normDistY>
	<normDistZ>0.1</normDistZ>
</Fitness>
</Voxelyze_Sim_Result>
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func keLog(voxels int, rows int, hot int) string {
	var b strings.Builder
	for r := 0; r < rows; r++ {
		for i := 0; i < voxels; i++ {
			if i == hot {
				b.WriteString("2,")
			} else {
				b.WriteString("1,")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func TestArtifactNames(t *testing.T) {
	a := ArtifactNames("creature_3", 2, 5)
	if a.Key != "creature_3_gen2_ep5" {
		t.Fatalf("unexpected key: %s", a.Key)
	}
	if a.Scenario != "creature_3_gen2_ep5.vxa" || a.Fitness != "creature_3_gen2_ep5_fitness.xml" {
		t.Fatalf("unexpected names: %+v", a)
	}
	if a.Pressures != "pressurescreature_3_gen2_ep5_fitness.xml.csv" || a.KE != "kecreature_3_gen2_ep5_fitness.xml.csv" {
		t.Fatalf("unexpected log names: %+v", a)
	}
}

func TestFitnessFormula(t *testing.T) {
	cfg := config.FitnessConfig{M: 1, Mx: 1, My: -3, Mz: 0, N: 1, Nx: 1, Ny: 1, Nz: 1, AbsY: true}
	got := Fitness(cfg, [3]float64{2.0, 0.5, 0.1})
	if math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("unexpected fitness: got=%f want=0.5", got)
	}
	got = Fitness(cfg, [3]float64{2.0, -0.5, 0.1})
	if math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("abs y not applied: got=%f want=0.5", got)
	}
}

func TestReadDisplacementMissingField(t *testing.T) {
	_, err := ReadDisplacement(strings.NewReader("<Fitness><normDistX>1</normDistX><normDistY>0</normDistY></Fitness>"))
	if !errors.Is(err, ErrMissingResult) {
		t.Fatalf("expected ErrMissingResult, got %v", err)
	}
	if !strings.Contains(err.Error(), "normDistZ") {
		t.Fatalf("error should name the missing field: %v", err)
	}
}

func TestReadForceLogAveragesRows(t *testing.T) {
	avg, err := ReadForceLog(strings.NewReader("1,2,9\n3,4,9\n"), 2, 10)
	if err != nil {
		t.Fatalf("read force log: %v", err)
	}
	if avg[0] != 20 || avg[1] != 30 {
		t.Fatalf("unexpected averages: %v", avg)
	}
	if _, err := ReadForceLog(strings.NewReader("1,2,3,4\n"), 2, 1); !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}
	if _, err := ReadForceLog(strings.NewReader(""), 2, 1); !errors.Is(err, ErrMissingResult) {
		t.Fatalf("expected ErrMissingResult for empty log, got %v", err)
	}
}

func TestCalculateFitnessAndStiffness(t *testing.T) {
	cfg := testConfig(t)
	c := testCreature(t, cfg)
	dir := t.TempDir()
	a := c.Begin(0, 0)
	writeFile(t, filepath.Join(dir, a.Fitness), fitnessDoc)
	writeFile(t, filepath.Join(dir, a.KE), keLog(c.Graph().Len(), 2, 0))

	if err := c.CalculateFitness(dir); err != nil {
		t.Fatalf("calculate fitness: %v", err)
	}
	if math.Abs(c.FitnessEval-0.5) > 1e-12 || c.PreviousFitness != 0 {
		t.Fatalf("unexpected fitness state: eval=%f previous=%f", c.FitnessEval, c.PreviousFitness)
	}
	if err := c.CalculateStiffness(dir); err != nil {
		t.Fatalf("calculate stiffness: %v", err)
	}

	g := c.Graph()
	if s := g.Voxel(0).Stiffness; s >= cfg.Structure.BaseStiffness {
		t.Fatalf("high-force voxel should soften: %f", s)
	}
	if s := g.Voxel(1).Stiffness; s <= cfg.Structure.BaseStiffness {
		t.Fatalf("low-force voxel should stiffen: %f", s)
	}
	act, _ := g.FindByCoordinates(voxel.Coord{X: 1, Y: 1, Z: 1})
	if v := g.Voxel(act); v.Material != cfg.Structure.ActuatorMaterial || v.Stiffness != cfg.Structure.ActuatorStiffness {
		t.Fatalf("actuator changed: %+v", v)
	}

	rec, ok := c.Evolution[0][0]
	if !ok {
		t.Fatal("expected evolution record for gen 0 ep 0")
	}
	if rec.Stiffness[0][0] != cfg.Structure.BaseStiffness {
		t.Fatalf("record should hold pre-update stiffness, got %f", rec.Stiffness[0][0])
	}
	if rec.FitnessEval != c.FitnessEval || len(rec.AverageForces) != 2 || rec.AverageForces[0][0] != 20 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.Controller.W1) != 1 {
		t.Fatalf("record should hold controller parameters: %+v", rec.Controller)
	}
}

func TestCalculateFitnessRejectsNonFinite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fitness.N = 0.5
	c := testCreature(t, cfg)
	c.FitnessEval = 0.3
	c.Score = 0.3
	dir := t.TempDir()
	a := c.Begin(0, 0)
	// 0.5 - 3*|0.5| is negative, so the square root is undefined.
	writeFile(t, filepath.Join(dir, a.Fitness),
		`<Fitness><normDistX>0.5</normDistX><normDistY>0.5</normDistY><normDistZ>0</normDistZ></Fitness>`)

	err := c.CalculateFitness(dir)
	if !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}
	if !strings.Contains(err.Error(), "creature_0") {
		t.Fatalf("error should name the creature: %v", err)
	}
	if c.FitnessEval != 0.3 || c.Score != 0.3 || c.PreviousFitness != 0 {
		t.Fatalf("fitness state changed: eval=%f score=%f previous=%f", c.FitnessEval, c.Score, c.PreviousFitness)
	}
	if err := c.RecomputeFitness(dir); !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("recompute: expected ErrMalformedResult, got %v", err)
	}
}

func TestCalculateFitnessRequiresEpisode(t *testing.T) {
	c := testCreature(t, testConfig(t))
	if err := c.CalculateFitness(t.TempDir()); !errors.Is(err, ErrNoEpisode) {
		t.Fatalf("expected ErrNoEpisode, got %v", err)
	}
}

func TestResetRestoresBaselineAndKeepsScore(t *testing.T) {
	cfg := testConfig(t)
	c := testCreature(t, cfg)
	c.Begin(0, 0)
	c.Graph().SetStiffness(0, 900000)
	c.FitnessEval = 1.5
	c.PreviousFitness = 0.7
	c.Score = 1.5

	c.Reset()
	if s := c.Graph().Voxel(0).Stiffness; s != cfg.Structure.BaseStiffness {
		t.Fatalf("stiffness not restored: %f", s)
	}
	if c.FitnessEval != 0 || c.PreviousFitness != 0 {
		t.Fatalf("fitness not reset: eval=%f previous=%f", c.FitnessEval, c.PreviousFitness)
	}
	if c.Score != 1.5 {
		t.Fatalf("score should survive reset: %f", c.Score)
	}
}

func TestApplyDamageRenamesAndPersistsThroughReset(t *testing.T) {
	c := testCreature(t, testConfig(t))
	d := damage.Descriptor{Selector: damage.Sections(0), Operation: damage.Remove()}
	if err := c.ApplyDamage(d); err != nil {
		t.Fatalf("apply damage: %v", err)
	}
	if c.Name != "creature_0_sect_0_remove" {
		t.Fatalf("unexpected name: %s", c.Name)
	}
	c.Reset()
	if !c.Graph().Voxel(0).Removed() {
		t.Fatal("damage lost after reset")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := testConfig(t)
	g, err := voxel.Build(cfg.Structure)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rng := rand.New(rand.NewSource(1))
	c, err := New("creature_1", cfg, g, rng)
	if err != nil {
		t.Fatalf("new creature: %v", err)
	}
	if c.Genome < cfg.GA.GenomeRange[0] || c.Genome > cfg.GA.GenomeRange[1] {
		t.Fatalf("genome out of range: %f", c.Genome)
	}
	c.Evolution[0] = map[int]EpisodeRecord{0: {FitnessEval: 1}}

	clone := c.Clone("creature_2")
	clone.Graph().Remove(0)
	clone.Mutate(rng)
	clone.Evolution[1] = map[int]EpisodeRecord{}

	if c.Graph().Voxel(0).Removed() {
		t.Fatal("clone shares graph")
	}
	if _, ok := c.Evolution[1]; ok {
		t.Fatal("clone shares evolution log")
	}
	before, after := c.Controller().Values(), clone.Controller().Values()
	same := true
	for i := range before {
		if before[i] != after[i] {
			same = false
		}
	}
	if same {
		t.Fatal("clone mutation should not match original controller")
	}
}
