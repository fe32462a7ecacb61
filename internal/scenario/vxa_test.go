package scenario

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"softbot/internal/config"
)

func testVXA(t *testing.T) *VXA {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	v, err := NewVXA(cfg.Materials, cfg.Structure)
	if err != nil {
		t.Fatalf("new vxa: %v", err)
	}
	return v
}

func testInput() Input {
	return Input{
		Name:        "creature_0",
		Dims:        [3]int{2, 2, 2},
		Morphology:  []int{3, 3, 0, 4, 1, 2, 3, 3},
		Stiffness:   []float64{500000, 500000, 100000, 1000000, 100000, 10000000, 750000.5, 500000},
		FitnessFile: "creature_0_gen0_ep0_fitness.xml",
	}
}

func TestVXASerialize(t *testing.T) {
	var buf bytes.Buffer
	if err := testVXA(t).Serialize(&buf, testInput()); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"<FitnessFileName>creature_0_gen0_ep0_fitness.xml</FitnessFileName>",
		"<X_Voxels>2</X_Voxels>",
		"<Layer><![CDATA[3304]]></Layer>",
		"<Layer><![CDATA[1233]]></Layer>",
		"<Layer><![CDATA[750000.5,500000]]></Layer>",
		"<Layer><![CDATA[0,-0.1,0,-0.1]]></Layer>",
		`<Material ID="4">`,
		"<GravEnabled>1</GravEnabled>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("serialized scenario missing %q:\n%s", want, out)
		}
	}
}

func TestVXASerializeRejectsShapeMismatch(t *testing.T) {
	in := testInput()
	in.Stiffness = in.Stiffness[:3]
	if err := testVXA(t).Serialize(&bytes.Buffer{}, in); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creature_0_gen0_ep0.vxa")
	if err := WriteFile(testVXA(t), path, testInput()); err != nil {
		t.Fatalf("write file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("<?xml")) {
		t.Fatalf("unexpected file content: %q", data[:20])
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary file left behind: %d entries", len(entries))
	}
}
