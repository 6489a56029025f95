// Package sampler draws a reproducible random subset of a labeled
// spreadsheet and writes its colour coordinates as a tab-separated test file.
package sampler

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/Noofbiz/cces/config"
	"github.com/Noofbiz/cces/datasets"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoInput    = datasets.ErrNoInput
	ErrNoOutput   = errors.New("Please select a file to save the output.")
	ErrTooFewRows = errors.New("not enough rows to draw the requested sample")
)

// Options is one sampling request. A zero Count falls back to the configured
// default and an empty TargetColumn uses the default unit. Seed is used as
// given, zero included.
type Options struct {
	Input        string
	Output       string
	Count        int
	Seed         int64
	TargetColumn string
}

// Result describes the file that was written.
type Result struct {
	Output string
	Rows   int
}

// Status is the one-line confirmation shown after a successful run.
func (r *Result) Status() string {
	return "Test file saved as " + r.Output
}

// OutputPath appends the .txt suffix when path lacks it.
func OutputPath(path string) string {
	if strings.HasSuffix(path, ".txt") {
		return path
	}
	return path + ".txt"
}

func (o Options) withDefaults() Options {
	if o.Count <= 0 {
		o.Count = config.DefaultSampleCount
	}
	if o.TargetColumn == "" {
		o.TargetColumn = datasets.TargetColumn(datasets.DefaultUnit)
	}
	return o
}

// Run reads opts.Input, draws opts.Count distinct rows and writes their
// L, a, b values, re-indexed from 0 under a Sample column, to the output file.
// Nothing is written when the input lacks a required column or has too few
// rows.
func Run(opts Options) (*Result, error) {
	if opts.Input == "" {
		return nil, ErrNoInput
	}
	if opts.Output == "" {
		return nil, ErrNoOutput
	}
	opts = opts.withDefaults()
	output := OutputPath(opts.Output)

	table, err := datasets.ReadSpreadsheet(opts.Input)
	if err != nil {
		return nil, err
	}
	if err := table.Require(datasets.ColumnL, datasets.ColumnA, datasets.ColumnB, opts.TargetColumn); err != nil {
		return nil, err
	}
	triples, err := datasets.Triples(table)
	if err != nil {
		return nil, err
	}
	if len(triples) < opts.Count {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrTooFewRows, len(triples), opts.Count)
	}

	picked := Draw(len(triples), opts.Count, opts.Seed)
	header := append([]string{datasets.ColumnSample}, datasets.PredictorColumns...)
	rows := make([][]any, len(picked))
	for i, idx := range picked {
		t := triples[idx]
		rows[i] = []any{i, t.L, t.A, t.B}
	}
	if err := datasets.WriteTable(output, header, rows); err != nil {
		return nil, fmt.Errorf("failed to write samples: %w", err)
	}

	log.Info().Str("input", opts.Input).Str("output", output).Int("rows", len(rows)).Int64("seed", opts.Seed).Msg("test samples written")
	return &Result{Output: output, Rows: len(rows)}, nil
}

// Draw returns count distinct positions in [0, n), in draw order, from a
// generator seeded with seed. The same arguments always give the same draw.
func Draw(n, count int, seed int64) []int {
	if count > n {
		count = n
	}
	return rand.New(rand.NewSource(seed)).Perm(n)[:count]
}
