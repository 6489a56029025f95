package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 20, cfg.Sampler.Count)
	assert.EqualValues(t, 42, cfg.Sampler.Seed)
	assert.Equal(t, 100, cfg.Training.CNN.Epochs)
	assert.Equal(t, 150, cfg.Training.LSTM.Epochs)
	assert.Equal(t, 10, cfg.Training.LSTM.BatchSize)
	assert.Equal(t, []float64{0.3, 0.3, 0.4}, cfg.Training.LSTM.Dropout)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cces.yaml")
	content := `
log_level: DEBUG
sampler:
  count: 5
training:
  cnn:
    epochs: 3
  lstm:
    learning_rate: 0.01
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Sampler.Count)
	assert.EqualValues(t, 42, cfg.Sampler.Seed)
	assert.Equal(t, 3, cfg.Training.CNN.Epochs)
	assert.Equal(t, 10, cfg.Training.CNN.BatchSize)
	assert.Equal(t, 0.01, cfg.Training.LSTM.LearningRate)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("CCES_TRAINING_CNN_EPOCHS", "7")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Training.CNN.Epochs)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"training":{"lstm":{"dropout":[0.3]}}}`), 0644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "dropout needs 3 rates")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
