// Package boltz runs structure prediction on a local GPU through the boltz
// command line tool. The accelerator is a mutually exclusive resource: the
// backend declares itself exclusive and the dispatcher gate serializes it.
package boltz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/bioflow-dev/bioflow/internal/artifact"
	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/dispatch"
	"github.com/bioflow-dev/bioflow/internal/seq"
)

// Config for the local runner.
type Config struct {
	Binary string `yaml:"binary"`
	// MinFreeVRAMGB gates availability: predictions refuse to start when the
	// accelerator has less free memory.
	MinFreeVRAMGB float64 `yaml:"min_free_vram_gb"`
	// MaxResidues bounds input size more tightly than the cloud backend,
	// reflecting local memory limits.
	MaxResidues    int `yaml:"max_residues"`
	RecyclingSteps int `yaml:"recycling_steps"`
	SamplingSteps  int `yaml:"sampling_steps"`
}

func (c Config) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "boltz"
}

// Backend is the local accelerator implementation of structure.predict.
type Backend struct {
	Cfg   Config
	Store *artifact.Store
	// vramProbe is swapped in tests.
	vramProbe func(ctx context.Context) (float64, error)
}

func New(cfg Config, store *artifact.Store) *Backend {
	if cfg.RecyclingSteps <= 0 {
		cfg.RecyclingSteps = 3
	}
	if cfg.SamplingSteps <= 0 {
		cfg.SamplingSteps = 200
	}
	b := &Backend{Cfg: cfg, Store: store}
	b.vramProbe = b.nvidiaFreeVRAM
	return b
}

func (b *Backend) Name() string { return "boltz" }

// Ready requires the boltz binary on PATH and enough free accelerator
// memory.
func (b *Backend) Ready(ctx context.Context) error {
	if _, err := exec.LookPath(b.Cfg.binary()); err != nil {
		return fmt.Errorf("boltz binary not on PATH")
	}
	if b.Cfg.MinFreeVRAMGB > 0 {
		free, err := b.vramProbe(ctx)
		if err != nil {
			return fmt.Errorf("accelerator probe failed: %v", err)
		}
		if free < b.Cfg.MinFreeVRAMGB {
			return fmt.Errorf("insufficient free VRAM: %.1f GB < %.1f GB required", free, b.Cfg.MinFreeVRAMGB)
		}
	}
	return nil
}

func (b *Backend) CostRank() int { return 2 }

func (b *Backend) MaxInputSize() int { return b.Cfg.MaxResidues }

func (b *Backend) Exclusive() bool { return true }

// Execute writes the request's FASTA to a work directory, runs the CLI
// under the attempt context, and collects the structure artifact.
func (b *Backend) Execute(ctx context.Context, req *capability.Request) (*capability.Payload, error) {
	records, err := seq.ParseFASTA(req.Params["fasta"])
	if err != nil {
		return nil, dispatch.Permanent(b.Name(), dispatch.ReasonInvalidCharacters, err)
	}

	workDir, err := os.MkdirTemp("", "boltz_")
	if err != nil {
		return nil, dispatch.Transient(b.Name(), "", err)
	}
	defer os.RemoveAll(workDir)

	fastaPath := filepath.Join(workDir, "input.fasta")
	if err := os.WriteFile(fastaPath, []byte(seq.WriteFASTA(records)), 0o644); err != nil {
		return nil, dispatch.Transient(b.Name(), "", err)
	}

	cmd := exec.CommandContext(ctx, b.Cfg.binary(), "predict", fastaPath,
		"--output_dir", workDir,
		"--recycling_steps", strconv.Itoa(b.Cfg.RecyclingSteps),
		"--sampling_steps", strconv.Itoa(b.Cfg.SamplingSteps),
		"--output_format", "mmcif",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	log.Info().Str("request", req.ID).Int("chains", len(records)).Msg("starting local prediction")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, dispatch.Transient(b.Name(), "", fmt.Errorf("boltz predict: %s", msg))
	}

	structure, err := findStructure(workDir)
	if err != nil {
		return nil, dispatch.Transient(b.Name(), "", err)
	}
	path := b.Store.Path("structure", "cif")
	if _, err := b.Store.Save(path, structure); err != nil {
		return nil, dispatch.Transient(b.Name(), "", err)
	}

	fields := map[string]string{
		"chains":   strconv.Itoa(len(records)),
		"residues": strconv.Itoa(seq.TotalResidues(records)),
	}
	if score, ok := readConfidence(workDir); ok {
		fields["confidence"] = score
	}
	return &capability.Payload{ArtifactPath: path, Fields: fields}, nil
}

// nvidiaFreeVRAM queries free accelerator memory in GB via nvidia-smi.
func (b *Backend) nvidiaFreeVRAM(ctx context.Context) (float64, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.free", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi: %w", err)
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	mib, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, fmt.Errorf("parse nvidia-smi output %q: %w", line, err)
	}
	return mib / 1024, nil
}

// findStructure locates the first mmCIF output under the work directory.
func findStructure(dir string) ([]byte, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasSuffix(path, ".cif") || strings.HasSuffix(path, ".mmcif") {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == "" {
		return nil, fmt.Errorf("no structure file produced")
	}
	return os.ReadFile(found)
}

// readConfidence scans score JSON files emitted next to the structure.
func readConfidence(dir string) (string, bool) {
	var score string
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := strings.ToLower(d.Name())
		if !strings.HasSuffix(name, ".json") || !strings.Contains(name, "confidence") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var scores map[string]any
		if err := json.Unmarshal(data, &scores); err != nil {
			return nil
		}
		for _, key := range []string{"confidence_score", "complex_plddt", "plddt"} {
			if v, ok := scores[key].(float64); ok {
				score = strconv.FormatFloat(v, 'f', 3, 64)
				return filepath.SkipAll
			}
		}
		return nil
	})
	return score, score != ""
}
