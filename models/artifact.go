package models

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Noofbiz/cces/config"
	"github.com/Noofbiz/cces/datasets"
	"github.com/klauspost/compress/zstd"
)

const (
	// ModelExt is the extension of the serialized network.
	ModelExt = ".bin"
	// DescriptorExt is the extension of the sidecar descriptor.
	DescriptorExt = ".json"

	// Format identifies the artifact encoding in the descriptor.
	Format = "gob+zstd"

	formatVersion = 1
)

// ErrArchitectureMismatch is returned when the requested architecture does
// not match the one recorded with the model.
var ErrArchitectureMismatch = errors.New("model architecture mismatch")

// snapshot is the gob payload of a model file.
type snapshot struct {
	Version  int
	Arch     Architecture
	Steps    int
	Features int
	Seed     int64
	CNN      *config.CNN
	LSTM     *config.LSTM
	Params   map[string][]float64
}

// Descriptor is the sidecar JSON written next to every model file.
type Descriptor struct {
	Architecture Architecture `json:"architecture"`
	InputShape   []int        `json:"input_shape"`
	Unit         string       `json:"unit"`
	TargetColumn string       `json:"target_column"`
	Format       string       `json:"format"`
	ModelFile    string       `json:"model_file"`
	Epochs       int          `json:"epochs"`
	BatchSize    int          `json:"batch_size"`
	LearningRate float64      `json:"learning_rate"`
	FinalLoss    *float64     `json:"final_loss,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Metadata is recorded in the descriptor alongside the model.
type Metadata struct {
	Unit    string
	History *History
}

// Save writes <arch>_model.bin and <arch>_model.json into dir, replacing any
// previous pair. It returns both paths.
func (n *Network) Save(dir string, meta Metadata) (string, string, error) {
	if dir == "" {
		return "", "", errors.New("empty model directory")
	}
	modelPath := filepath.Join(dir, n.arch.ModelFile())
	descPath := filepath.Join(dir, n.arch.DescriptorFile())

	snap := snapshot{
		Version:  formatVersion,
		Arch:     n.arch,
		Steps:    n.steps,
		Features: n.features,
		Seed:     n.seed,
		CNN:      n.cnn,
		LSTM:     n.lstm,
		Params:   make(map[string][]float64),
	}
	for _, p := range n.Params() {
		snap.Params[p.Name] = p.Value
	}
	err := datasets.WriteFileAtomic(modelPath, func(w io.Writer) error {
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return err
		}
		if err := gob.NewEncoder(zw).Encode(snap); err != nil {
			zw.Close()
			return fmt.Errorf("encode model: %w", err)
		}
		return zw.Close()
	})
	if err != nil {
		return "", "", err
	}

	epochs, batch, lr := n.Hyper()
	desc := Descriptor{
		Architecture: n.arch,
		InputShape:   []int{n.steps, n.features},
		Unit:         meta.Unit,
		TargetColumn: datasets.TargetColumn(meta.Unit),
		Format:       Format,
		ModelFile:    n.arch.ModelFile(),
		Epochs:       epochs,
		BatchSize:    batch,
		LearningRate: lr,
		CreatedAt:    time.Now().UTC(),
	}
	if desc.Unit == "" {
		desc.Unit = datasets.DefaultUnit
	}
	if loss := meta.History.FinalLoss(); !math.IsNaN(loss) {
		desc.FinalLoss = &loss
	}
	err = datasets.WriteFileAtomic(descPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(desc)
	})
	if err != nil {
		return "", "", err
	}
	return modelPath, descPath, nil
}

// DescriptorPath returns the sidecar path belonging to a model file.
func DescriptorPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + DescriptorExt
}

// ReadDescriptor reads a sidecar descriptor.
func ReadDescriptor(path string) (*Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("parse descriptor %s: %w", path, err)
	}
	if !d.Architecture.valid() {
		return nil, fmt.Errorf("descriptor %s: unknown architecture %q", path, d.Architecture)
	}
	return &d, nil
}

// Load reads a model file. With arch == Auto the architecture comes from the
// sidecar descriptor when present, else from the model file itself. An
// explicit arch that disagrees with the model is ErrArchitectureMismatch.
func Load(path string, arch Architecture) (*Network, error) {
	if arch == "" {
		arch = Auto
	}
	if arch != Auto && !arch.valid() {
		return nil, fmt.Errorf("unknown model architecture %q", arch)
	}

	if arch == Auto {
		desc, err := ReadDescriptor(DescriptorPath(path))
		switch {
		case err == nil:
			arch = desc.Architecture
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, err
	}
	if arch != Auto && arch != snap.Arch {
		return nil, fmt.Errorf("%w: %s holds a %s model, not %s", ErrArchitectureMismatch, path, snap.Arch.Label(), arch.Label())
	}
	return snap.network()
}

func readSnapshot(path string) (*snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open model %s: %w", path, err)
	}
	defer zr.Close()

	var snap snapshot
	if err := gob.NewDecoder(zr).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if snap.Version != formatVersion {
		return nil, fmt.Errorf("model %s: unsupported format version %d", path, snap.Version)
	}
	return &snap, nil
}

func (s *snapshot) network() (*Network, error) {
	var (
		n   *Network
		err error
	)
	switch {
	case s.Arch == CNN && s.CNN != nil:
		n, err = NewCNN(*s.CNN, s.Steps, s.Features, s.Seed)
	case s.Arch == LSTM && s.LSTM != nil:
		n, err = NewLSTM(*s.LSTM, s.Steps, s.Features, s.Seed)
	default:
		return nil, fmt.Errorf("model file has no %q configuration", s.Arch)
	}
	if err != nil {
		return nil, err
	}
	for _, p := range n.Params() {
		v, ok := s.Params[p.Name]
		if !ok {
			return nil, fmt.Errorf("model file is missing parameter %s", p.Name)
		}
		if len(v) != len(p.Value) {
			return nil, fmt.Errorf("parameter %s has %d values, want %d", p.Name, len(v), len(p.Value))
		}
		copy(p.Value, v)
	}
	return n, nil
}
