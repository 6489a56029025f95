package trainer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/cces/config"
	"github.com/Noofbiz/cces/datasets"
	"github.com/Noofbiz/cces/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	os.Exit(m.Run())
}

func writeWorkbook(t *testing.T, path string, header []string, rows [][]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	h := make([]any, len(header))
	for i, v := range header {
		h[i] = v
	}
	require.NoError(t, f.SetSheetRow(sheet, "A1", &h))
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		row := r
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	require.NoError(t, f.SaveAs(path))
}

func trainingFile(t *testing.T, dir string, n int) string {
	t.Helper()
	rows := make([][]any, n)
	for i := range rows {
		l, a, b := 40+float64(i), float64(i%7)-3, 20+float64(i%5)
		rows[i] = []any{l, a, b, 0.1*l + 0.3*a + 0.05*b}
	}
	path := filepath.Join(dir, "train.xlsx")
	writeWorkbook(t, path, []string{"L", "a", "b", "Carotenoid_Content_μg/g"}, rows)
	return path
}

// quickConfig shrinks the default networks so tests run fast.
func quickConfig() config.Training {
	cfg := config.Default().Training
	cfg.CNN.Epochs = 3
	cfg.CNN.Filters = 4
	cfg.CNN.DenseUnits = 8
	cfg.LSTM.Epochs = 3
	cfg.LSTM.Units = 4
	cfg.LSTM.DenseUnits = 8
	return cfg
}

func TestRun_Preconditions(t *testing.T) {
	_, err := Run(context.Background(), Options{OutputDir: "models", Arch: models.CNN})
	assert.ErrorIs(t, err, ErrNoInput)
	assert.Equal(t, "Please select an input file before training.", err.Error())

	_, err = Run(context.Background(), Options{Input: "train.xlsx", Arch: models.CNN})
	assert.ErrorIs(t, err, ErrNoOutputDir)
	assert.Equal(t, "Please select a folder to save the models.", err.Error())

	_, err = Run(context.Background(), Options{Input: "train.xlsx", OutputDir: "m", Arch: models.Auto})
	assert.Error(t, err)
}

func TestRun_TrainsAndSaves(t *testing.T) {
	dir := t.TempDir()
	in := trainingFile(t, dir, 15)
	out := filepath.Join(dir, "models")

	for _, arch := range models.Architectures {
		res, err := Run(context.Background(), Options{
			Input:     in,
			OutputDir: out,
			Arch:      arch,
			Config:    quickConfig(),
			LossPlot:  true,
		})
		require.NoError(t, err, arch)
		assert.Equal(t, filepath.Join(out, arch.ModelFile()), res.ModelPath)
		assert.Equal(t, filepath.Join(out, arch.DescriptorFile()), res.DescriptorPath)
		assert.Equal(t, arch.Label()+" model saved as "+res.ModelPath, res.Status())
		assert.Len(t, res.History.Loss, 3)
		assert.FileExists(t, res.LossPlotPath)

		net, err := models.Load(res.ModelPath, models.Auto)
		require.NoError(t, err)
		assert.Equal(t, arch, net.Architecture())
	}
}

func TestRun_MissingColumns(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "train.xlsx")
	writeWorkbook(t, in, []string{"L", "b", "Carotenoid_Content_μg/g"}, [][]any{{1.0, 2.0, 3.0}})
	out := filepath.Join(dir, "models")

	_, err := Run(context.Background(), Options{Input: in, OutputDir: out, Arch: models.CNN, Config: quickConfig()})
	var missing *datasets.MissingColumnsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"a"}, missing.Columns)
	assert.Contains(t, err.Error(), "Error while training CNN model: ")
	assert.NoFileExists(t, filepath.Join(out, models.CNN.ModelFile()))
}

func TestRun_EmptyData(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "train.xlsx")
	writeWorkbook(t, in, []string{"L", "a", "b", "Carotenoid_Content_μg/g"}, nil)

	_, err := Run(context.Background(), Options{Input: in, OutputDir: dir, Arch: models.LSTM, Config: quickConfig()})
	assert.ErrorIs(t, err, ErrEmptyData)
	var te *TrainingError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, models.LSTM, te.Arch)
}

func TestRun_Cancelled(t *testing.T) {
	dir := t.TempDir()
	in := trainingFile(t, dir, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, Options{Input: in, OutputDir: dir, Arch: models.CNN, Config: quickConfig()})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(dir, models.CNN.ModelFile()))
}

func TestRunAll(t *testing.T) {
	dir := t.TempDir()
	in := trainingFile(t, dir, 10)

	results, err := RunAll(context.Background(), Options{Input: in, OutputDir: dir, Config: quickConfig()})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.CNN, results[0].Arch)
	assert.Equal(t, models.LSTM, results[1].Arch)

	// A bad LSTM configuration fails only the LSTM run.
	cfg := quickConfig()
	cfg.LSTM.Dropout = nil
	results, err = RunAll(context.Background(), Options{Input: in, OutputDir: dir, Config: cfg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Error while training LSTM model")
	require.Len(t, results, 1)
	assert.Equal(t, models.CNN, results[0].Arch)

	_, err = RunAll(context.Background(), Options{OutputDir: dir})
	assert.ErrorIs(t, err, ErrNoInput)
}
