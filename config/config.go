// Package config holds the declarative configuration of the sampler, trainer,
// predictor and prediction service, with named defaults for every fixed
// hyperparameter.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full configuration of the toolchain.
type Config struct {
	LogLevel string   `mapstructure:"log_level"`
	Data     Data     `mapstructure:"data"`
	Sampler  Sampler  `mapstructure:"sampler"`
	Training Training `mapstructure:"training"`
	Server   Server   `mapstructure:"server"`
}

// Data describes the column conventions of the labeled spreadsheets.
type Data struct {
	// Unit is appended to the target column name and to the prediction header.
	Unit string `mapstructure:"unit"`
}

// Sampler controls the random test subset draw.
type Sampler struct {
	Count int   `mapstructure:"count"`
	Seed  int64 `mapstructure:"seed"`
}

// Training holds the per-architecture hyperparameters.
type Training struct {
	// Seed controls weight initialisation, dropout masks and shuffling.
	Seed    int64 `mapstructure:"seed"`
	Shuffle bool  `mapstructure:"shuffle"`
	CNN     CNN   `mapstructure:"cnn"`
	LSTM    LSTM  `mapstructure:"lstm"`
}

// CNN is Conv1D -> Flatten -> Dense -> Dense(1).
type CNN struct {
	Epochs       int     `mapstructure:"epochs"`
	BatchSize    int     `mapstructure:"batch_size"`
	LearningRate float64 `mapstructure:"learning_rate"`
	Filters      int     `mapstructure:"filters"`
	KernelSize   int     `mapstructure:"kernel_size"`
	DenseUnits   int     `mapstructure:"dense_units"`
}

// LSTM is LSTM -> Dropout -> LSTM -> Dropout -> Dense -> Dropout -> Dense(1).
type LSTM struct {
	Epochs       int       `mapstructure:"epochs"`
	BatchSize    int       `mapstructure:"batch_size"`
	LearningRate float64   `mapstructure:"learning_rate"`
	Units        int       `mapstructure:"units"`
	DenseUnits   int       `mapstructure:"dense_units"`
	Dropout      []float64 `mapstructure:"dropout"`
}

// Server configures the HTTP prediction service.
type Server struct {
	Addr     string `mapstructure:"addr"`
	ModelDir string `mapstructure:"model_dir"`
	Release  bool   `mapstructure:"release"`
}

// Named defaults.
const (
	DefaultLogLevel = "INFO"
	DefaultUnit     = "μg/g"

	DefaultSampleCount = 20
	DefaultSampleSeed  = 42

	DefaultTrainingSeed = 42
	DefaultBatchSize    = 10
	DefaultLearningRate = 0.001

	DefaultCNNEpochs     = 100
	DefaultCNNFilters    = 32
	DefaultCNNKernelSize = 1
	DefaultCNNDenseUnits = 64

	DefaultLSTMEpochs     = 150
	DefaultLSTMUnits      = 64
	DefaultLSTMDenseUnits = 64

	DefaultServerAddr = ":8080"
)

// DefaultLSTMDropout are the rates after the first LSTM, the second LSTM and
// the hidden dense layer.
var DefaultLSTMDropout = []float64{0.3, 0.3, 0.4}

// Default returns the configuration with every named default applied.
func Default() Config {
	return Config{
		LogLevel: DefaultLogLevel,
		Data:     Data{Unit: DefaultUnit},
		Sampler:  Sampler{Count: DefaultSampleCount, Seed: DefaultSampleSeed},
		Training: Training{
			Seed:    DefaultTrainingSeed,
			Shuffle: true,
			CNN: CNN{
				Epochs:       DefaultCNNEpochs,
				BatchSize:    DefaultBatchSize,
				LearningRate: DefaultLearningRate,
				Filters:      DefaultCNNFilters,
				KernelSize:   DefaultCNNKernelSize,
				DenseUnits:   DefaultCNNDenseUnits,
			},
			LSTM: LSTM{
				Epochs:       DefaultLSTMEpochs,
				BatchSize:    DefaultBatchSize,
				LearningRate: DefaultLearningRate,
				Units:        DefaultLSTMUnits,
				DenseUnits:   DefaultLSTMDenseUnits,
				Dropout:      append([]float64(nil), DefaultLSTMDropout...),
			},
		},
		Server: Server{Addr: DefaultServerAddr, ModelDir: "."},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("data.unit", d.Data.Unit)
	v.SetDefault("sampler.count", d.Sampler.Count)
	v.SetDefault("sampler.seed", d.Sampler.Seed)
	v.SetDefault("training.seed", d.Training.Seed)
	v.SetDefault("training.shuffle", d.Training.Shuffle)
	v.SetDefault("training.cnn.epochs", d.Training.CNN.Epochs)
	v.SetDefault("training.cnn.batch_size", d.Training.CNN.BatchSize)
	v.SetDefault("training.cnn.learning_rate", d.Training.CNN.LearningRate)
	v.SetDefault("training.cnn.filters", d.Training.CNN.Filters)
	v.SetDefault("training.cnn.kernel_size", d.Training.CNN.KernelSize)
	v.SetDefault("training.cnn.dense_units", d.Training.CNN.DenseUnits)
	v.SetDefault("training.lstm.epochs", d.Training.LSTM.Epochs)
	v.SetDefault("training.lstm.batch_size", d.Training.LSTM.BatchSize)
	v.SetDefault("training.lstm.learning_rate", d.Training.LSTM.LearningRate)
	v.SetDefault("training.lstm.units", d.Training.LSTM.Units)
	v.SetDefault("training.lstm.dense_units", d.Training.LSTM.DenseUnits)
	v.SetDefault("training.lstm.dropout", d.Training.LSTM.Dropout)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.model_dir", d.Server.ModelDir)
	v.SetDefault("server.release", d.Server.Release)
}

// Load reads the optional config file at path (YAML, JSON or TOML, chosen by
// extension) over the defaults. Environment variables prefixed with CCES_
// override both, e.g. CCES_TRAINING_CNN_EPOCHS=5.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CCES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no pipeline can run with.
func (c Config) Validate() error {
	if c.Sampler.Count <= 0 {
		return fmt.Errorf("sampler.count must be positive, got %d", c.Sampler.Count)
	}
	if err := c.Training.CNN.validate(); err != nil {
		return fmt.Errorf("training.cnn: %w", err)
	}
	if err := c.Training.LSTM.validate(); err != nil {
		return fmt.Errorf("training.lstm: %w", err)
	}
	return nil
}

func (c CNN) validate() error {
	switch {
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	case c.Filters <= 0 || c.DenseUnits <= 0:
		return fmt.Errorf("filters and dense_units must be positive")
	case c.KernelSize <= 0:
		return fmt.Errorf("kernel_size must be positive, got %d", c.KernelSize)
	}
	return nil
}

func (c LSTM) validate() error {
	switch {
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	case c.Units <= 0 || c.DenseUnits <= 0:
		return fmt.Errorf("units and dense_units must be positive")
	case len(c.Dropout) != 3:
		return fmt.Errorf("dropout needs 3 rates, got %d", len(c.Dropout))
	}
	for _, r := range c.Dropout {
		if r < 0 || r >= 1 {
			return fmt.Errorf("dropout rate %g outside [0, 1)", r)
		}
	}
	return nil
}
