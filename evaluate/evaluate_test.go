package evaluate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Noofbiz/cces/config"
	"github.com/Noofbiz/cces/datasets"
	"github.com/Noofbiz/cces/models"
	"github.com/Noofbiz/cces/predictor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	os.Exit(m.Run())
}

func TestScore(t *testing.T) {
	m, err := Score([]float64{1, 2, 3, 4}, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, m.N)
	assert.Equal(t, 0.0, m.RMSE)
	assert.Equal(t, 0.0, m.MAE)
	assert.InDelta(t, 1.0, m.R2, 1e-12)

	m, err = Score([]float64{0, 0, 0, 0}, []float64{1, -1, 1, -1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.MSE, 1e-12)
	assert.InDelta(t, 1.0, m.RMSE, 1e-12)
	assert.InDelta(t, 1.0, m.MAE, 1e-12)

	m, err = Score([]float64{1, 2, 3}, []float64{2, 2, 2})
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, m.MSE, 1e-12)
	assert.InDelta(t, 0.0, m.R2, 1e-12)

	_, err = Score(nil, nil)
	assert.Error(t, err)
	_, err = Score([]float64{1}, []float64{1, 2})
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default().Training.CNN
	cfg.Filters = 4
	cfg.DenseUnits = 6
	net, err := models.NewCNN(cfg, datasets.Steps, datasets.Features, 3)
	require.NoError(t, err)
	modelPath, _, err := net.Save(dir, models.Metadata{})
	require.NoError(t, err)

	in := filepath.Join(dir, "lab.xlsx")
	rows := [][]any{{60.0, 1.0, 20.0, 4.5}, {55.0, -2.0, 25.0, 5.5}, {50.0, 3.0, 30.0, 6.0}}
	require.NoError(t, datasets.WriteTable(in, []string{"L", "a", "b", "Carotenoid_Content_μg/g"}, rows))

	csvPath := filepath.Join(dir, "eval.csv")
	plotPath := filepath.Join(dir, "parity.png")
	report, err := Run(Options{Arch: models.Auto, ModelPath: modelPath, Input: in, CSV: csvPath, Plot: plotPath})
	require.NoError(t, err)
	m := report.Model
	assert.Equal(t, 3, m.N)
	assert.GreaterOrEqual(t, m.RMSE, m.MAE*0.999)
	assert.Nil(t, report.Baseline)
	assert.FileExists(t, plotPath)

	b, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "idx,L,a,b,measured,predicted,error", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,60.0,1.0,20.0,4.5,"), lines[1])

	_, err = Run(Options{Arch: models.CNN, Input: in})
	assert.ErrorIs(t, err, predictor.ErrNoModel)
}

func TestRun_Baseline(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default().Training.CNN
	cfg.Filters = 4
	cfg.DenseUnits = 6
	net, err := models.NewCNN(cfg, datasets.Steps, datasets.Features, 3)
	require.NoError(t, err)
	modelPath, _, err := net.Save(dir, models.Metadata{})
	require.NoError(t, err)

	in := filepath.Join(dir, "lab.xlsx")
	rows := make([][]any, 12)
	for i := range rows {
		l := 40 + float64(i)
		rows[i] = []any{l, 0.0, 20.0, 0.1 * l}
	}
	require.NoError(t, datasets.WriteTable(in, []string{"L", "a", "b", "Carotenoid_Content_μg/g"}, rows))

	report, err := Run(Options{ModelPath: modelPath, Input: in, Reference: in, BaselineK: 2, Seed: 1})
	require.NoError(t, err)
	require.NotNil(t, report.Baseline)
	assert.Equal(t, 12, report.Baseline.N)
	// leave-one-out neighbours are one or two L units away
	assert.Less(t, report.Baseline.RMSE, 0.25)
	assert.Contains(t, report.String(), "\nbaseline n=12 ")
}
