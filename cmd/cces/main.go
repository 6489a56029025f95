// Command cces samples, trains, evaluates and serves carotenoid content
// models built from CIE-Lab colour readings.
//
// Usage:
//
//	cces sample   -in lab.xlsx -out test.txt
//	cces train    -in lab.xlsx -out models/ [-arch cnn|lstm|all]
//	cces predict  -arch cnn -model models/cnn_model.bin -l 61.2 -a -3.5 -b 28
//	cces predict  -arch lstm -model models/lstm_model.bin -in test.txt -out pred.xlsx
//	cces evaluate -model models/cnn_model.bin -in lab.xlsx
//	cces serve    -model-dir models/ -addr :8080
//
// Every subcommand accepts -config (YAML or JSON) and -log-level. Values from
// the config file and CCES_* environment variables are overridden by flags
// given on the command line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Noofbiz/cces/config"
	"github.com/Noofbiz/cces/datasets"
	"github.com/Noofbiz/cces/evaluate"
	"github.com/Noofbiz/cces/logger"
	"github.com/Noofbiz/cces/models"
	"github.com/Noofbiz/cces/predictor"
	"github.com/Noofbiz/cces/sampler"
	"github.com/Noofbiz/cces/server"
	"github.com/Noofbiz/cces/trainer"
)

const usage = `usage: cces <command> [flags]

commands:
  sample    draw a random test subset of a labeled spreadsheet
  train     train CNN and/or LSTM models
  predict   predict concentration for one reading or a file of readings
  evaluate  score a model against a labeled spreadsheet
  serve     run the HTTP prediction service

run "cces <command> -h" for the flags of a command
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type command func(ctx context.Context, args []string, stdout io.Writer) error

var commands = map[string]command{
	"sample":   runSample,
	"train":    runTrain,
	"predict":  runPredict,
	"evaluate": runEvaluate,
	"serve":    runServe,
}

// run executes one subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	err := cmd(ctx, args[1:], stdout)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(stderr, err)
		return 2
	default:
		title, msg := warning(err)
		fmt.Fprintf(stderr, "%s: %s\n", title, msg)
		return 1
	}
}

var errUsage = errors.New("invalid arguments")

// warning maps a pipeline error to the title and text shown to the user.
func warning(err error) (string, string) {
	var (
		missing  *datasets.MissingColumnsError
		training *trainer.TrainingError
	)
	switch {
	case errors.Is(err, datasets.ErrNoInput), errors.Is(err, trainer.ErrNoInput), errors.Is(err, predictor.ErrNoFiles):
		return "File Error", err.Error()
	case errors.Is(err, sampler.ErrNoOutput):
		return "Save Error", err.Error()
	case errors.Is(err, trainer.ErrNoOutputDir):
		return "Save Path Error", err.Error()
	case errors.Is(err, predictor.ErrInvalidInput):
		return "Input Error", err.Error()
	case errors.Is(err, predictor.ErrNoModel), errors.Is(err, models.ErrArchitectureMismatch):
		return "Model Error", err.Error()
	case errors.As(err, &training):
		return "Training Error", err.Error()
	case errors.As(err, &missing):
		return "Column Error", "The input file is missing the following required columns: " + strings.Join(missing.Columns, ", ")
	default:
		return "Error", "An error occurred: " + err.Error()
	}
}

// common holds the flags every subcommand shares.
type common struct {
	configPath string
	logLevel   string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "path to a YAML or JSON configuration file")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN, ERROR (overrides config)")
}

// load reads the configuration and initialises logging.
func (c *common) load() (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return cfg, err
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if err := logger.Init(cfg.LogLevel); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// parse parses args and returns the names of the flags that were set.
func parse(fs *flag.FlagSet, args []string) (map[string]bool, error) {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(os.Stderr)
			fs.Usage()
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", errUsage, fs.Args())
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set, nil
}

func runSample(_ context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sample", flag.ContinueOnError)
	var c common
	c.register(fs)
	in := fs.String("in", "", "labeled .xlsx spreadsheet")
	out := fs.String("out", "", "output text file (.txt is appended if missing)")
	count := fs.Int("count", config.DefaultSampleCount, "number of rows to draw (overrides config)")
	seed := fs.Int64("seed", config.DefaultSampleSeed, "random seed (overrides config)")
	unit := fs.String("unit", "", "concentration unit of the target column (overrides config)")
	set, err := parse(fs, args)
	if err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if set["count"] {
		cfg.Sampler.Count = *count
	}
	if set["seed"] {
		cfg.Sampler.Seed = *seed
	}
	if set["unit"] {
		cfg.Data.Unit = *unit
	}

	res, err := sampler.Run(sampler.Options{
		Input:        *in,
		Output:       *out,
		Count:        cfg.Sampler.Count,
		Seed:         cfg.Sampler.Seed,
		TargetColumn: datasets.TargetColumn(cfg.Data.Unit),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, res.Status())
	return nil
}

func runTrain(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	var c common
	c.register(fs)
	in := fs.String("in", "", "labeled .xlsx spreadsheet")
	out := fs.String("out", "", "folder to save the models in")
	archFlag := fs.String("arch", "all", "architecture to train: cnn, lstm or all")
	cnnEpochs := fs.Int("cnn-epochs", config.DefaultCNNEpochs, "CNN epochs (overrides config)")
	lstmEpochs := fs.Int("lstm-epochs", config.DefaultLSTMEpochs, "LSTM epochs (overrides config)")
	batchSize := fs.Int("batch-size", config.DefaultBatchSize, "batch size for both architectures (overrides config)")
	lr := fs.Float64("learning-rate", config.DefaultLearningRate, "Adam learning rate for both architectures (overrides config)")
	seed := fs.Int64("seed", config.DefaultTrainingSeed, "initialisation and shuffling seed (overrides config)")
	lossPlot := fs.Bool("loss-plot", false, "also write <arch>_loss.png into the model folder")
	unit := fs.String("unit", "", "concentration unit of the target column (overrides config)")
	set, err := parse(fs, args)
	if err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	tc := cfg.Training
	if set["cnn-epochs"] {
		tc.CNN.Epochs = *cnnEpochs
	}
	if set["lstm-epochs"] {
		tc.LSTM.Epochs = *lstmEpochs
	}
	if set["batch-size"] {
		tc.CNN.BatchSize, tc.LSTM.BatchSize = *batchSize, *batchSize
	}
	if set["learning-rate"] {
		tc.CNN.LearningRate, tc.LSTM.LearningRate = *lr, *lr
	}
	if set["seed"] {
		tc.Seed = *seed
	}
	if set["unit"] {
		cfg.Data.Unit = *unit
	}

	opts := trainer.Options{
		Input:     *in,
		OutputDir: *out,
		Config:    tc,
		Unit:      cfg.Data.Unit,
		LossPlot:  *lossPlot,
	}
	if strings.EqualFold(*archFlag, "all") {
		results, err := trainer.RunAll(ctx, opts)
		for _, r := range results {
			fmt.Fprintln(stdout, r.Status())
		}
		return err
	}
	arch, err := models.ParseArchitecture(*archFlag)
	if err != nil || arch == models.Auto {
		return fmt.Errorf("%w: -arch must be cnn, lstm or all", errUsage)
	}
	opts.Arch = arch
	res, err := trainer.Run(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, res.Status())
	return nil
}

func runPredict(_ context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	var c common
	c.register(fs)
	archFlag := fs.String("arch", "cnn", "model architecture: cnn, lstm or auto")
	model := fs.String("model", "", "model file (e.g. cnn_model.bin)")
	l := fs.String("l", "", "L value (single mode)")
	a := fs.String("a", "", "a value (single mode)")
	b := fs.String("b", "", "b value (single mode)")
	in := fs.String("in", "", "input .xlsx or tab-separated file (batch mode)")
	out := fs.String("out", "", "output .xlsx or text file (batch mode)")
	unit := fs.String("unit", "", "concentration unit shown with predictions (overrides config)")
	set, err := parse(fs, args)
	if err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if set["unit"] {
		cfg.Data.Unit = *unit
	}
	arch, err := models.ParseArchitecture(*archFlag)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if set["in"] || set["out"] {
		res, err := predictor.Batch(predictor.BatchOptions{
			Arch:      arch,
			ModelPath: *model,
			Input:     *in,
			Output:    *out,
			Unit:      cfg.Data.Unit,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, res.Status())
		return nil
	}

	res, err := predictor.Single(predictor.SingleOptions{Arch: arch, ModelPath: *model, L: *l, A: *a, B: *b})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, res.Display(cfg.Data.Unit))
	return nil
}

func runEvaluate(_ context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	var c common
	c.register(fs)
	archFlag := fs.String("arch", "auto", "model architecture: cnn, lstm or auto")
	model := fs.String("model", "", "model file")
	in := fs.String("in", "", "labeled .xlsx spreadsheet")
	csvPath := fs.String("csv", "", "if set, write per-row results to this CSV file")
	plotPath := fs.String("plot", "", "if set, write a predicted-vs-measured PNG to this path")
	reference := fs.String("reference", "", "labeled .xlsx for the nearest neighbour baseline (the input itself scores leave-one-out)")
	k := fs.Int("k", evaluate.DefaultBaselineK, "baseline neighbours")
	sims := fs.Int("sims", evaluate.DefaultBaselineSims, "baseline Monte Carlo draws per row")
	seed := fs.Int64("seed", config.DefaultTrainingSeed, "baseline seed")
	unit := fs.String("unit", "", "concentration unit of the target column (overrides config)")
	set, err := parse(fs, args)
	if err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if set["unit"] {
		cfg.Data.Unit = *unit
	}
	arch, err := models.ParseArchitecture(*archFlag)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	report, err := evaluate.Run(evaluate.Options{
		Arch:         arch,
		ModelPath:    *model,
		Input:        *in,
		Unit:         cfg.Data.Unit,
		CSV:          *csvPath,
		Plot:         *plotPath,
		Reference:    *reference,
		BaselineK:    *k,
		BaselineSims: *sims,
		Seed:         *seed,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, report)
	return nil
}

func runServe(ctx context.Context, args []string, _ io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var c common
	c.register(fs)
	addr := fs.String("addr", config.DefaultServerAddr, "listen address (overrides config)")
	modelDir := fs.String("model-dir", ".", "folder holding cnn_model.bin / lstm_model.bin (overrides config)")
	release := fs.Bool("release", false, "run gin in release mode (overrides config)")
	set, err := parse(fs, args)
	if err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if set["addr"] {
		cfg.Server.Addr = *addr
	}
	if set["model-dir"] {
		cfg.Server.ModelDir = *modelDir
	}
	if set["release"] {
		cfg.Server.Release = *release
	}
	return server.Run(ctx, cfg.Server, cfg.Data.Unit)
}
