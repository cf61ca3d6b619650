// Package main implements the describe CLI. It builds a threshold from a
// query string or a catalog entry, resolves percentile thresholds against a
// local or remote Zarr dataset and prints the threshold description as JSON.
//
// Usage:
//
//	describe "> 25 degC"
//	describe -frequency=month "<= 0 degC"
//	describe -dataset=./data/era5.zarr -variable=tasmax "> 90th doy_per"
//	describe -catalog=tx90p -dataset=./data/era5.zarr -variable=tasmax
//	describe -list
//
// Settings not given as flags come from the environment and an optional
// dotenv file (-env-file).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"climdex/internal/catalog"
	"climdex/internal/config"
	"climdex/internal/dataset"
	"climdex/internal/frequency"
	"climdex/internal/observability"
	"climdex/internal/percentile"
	"climdex/internal/resolve"
	"climdex/internal/threshold"
	"climdex/internal/types"
)

// errUsage reports invalid command-line input.
var errUsage = errors.New("invalid usage")

type options struct {
	envFile    string
	catalog    string
	frequency  string
	datasetRef string
	variable   string
	list       bool
	query      string
}

// description is the JSON document printed for one threshold.
type description struct {
	Threshold   string              `json:"threshold"`
	Kind        types.ValueKind     `json:"kind"`
	Operator    string              `json:"operator"`
	Unit        string              `json:"unit,omitempty"`
	Deferred    bool                `json:"deferred"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	Metadata    *threshold.Metadata `json:"metadata,omitempty"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("describe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.envFile, "env-file", "", "dotenv file to load before reading the environment")
	fs.StringVar(&opts.catalog, "catalog", "", "name of a catalog threshold to describe instead of a query")
	fs.StringVar(&opts.frequency, "frequency", "day", "sampling frequency used in the metadata")
	fs.StringVar(&opts.datasetRef, "dataset", "", "reference dataset of percentile thresholds")
	fs.StringVar(&opts.variable, "variable", "", "variable of the reference dataset")
	fs.BoolVar(&opts.list, "list", false, "list the catalog entries and exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage:\n  describe [flags] QUERY\n  describe [flags] -catalog=NAME\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts.query = strings.TrimSpace(strings.Join(fs.Args(), " "))

	if opts.list {
		return opts, nil
	}
	if (opts.query == "") == (opts.catalog == "") {
		fmt.Fprintln(stderr, "error: give either a query or -catalog")
		fs.Usage()
		return options{}, errUsage
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	var envFiles []string
	if opts.envFile != "" {
		envFiles = append(envFiles, opts.envFile)
	}
	cfg, err := config.LoadConfig(envFiles...)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := observability.NewLoggerTo(stderr, cfg.LogLevel)

	cat := catalog.Empty()
	if cfg.Threshold.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.Threshold.CatalogPath); err != nil {
			return err
		}
	}
	if opts.list {
		return writeJSON(stdout, cat.Entries())
	}

	freq, err := frequency.Lookup(opts.frequency)
	if err != nil {
		return err
	}

	opener := dataset.NewOpener(dataset.OpenerConfig{
		HTTPClient:  &http.Client{Timeout: cfg.Dataset.HTTPTimeout},
		UserAgent:   cfg.Dataset.UserAgent,
		Concurrency: cfg.Dataset.Concurrency,
		Logger:      logger,
		CacheSize:   cfg.Dataset.OpenCacheSize,
		CacheTTL:    cfg.Dataset.OpenCacheTTL,
		LocalRoot:   cfg.Dataset.LocalRoot,
	})
	buildOpts, err := buildOptions(cfg.Threshold, opener)
	if err != nil {
		return err
	}

	var t *threshold.Threshold
	if opts.catalog != "" {
		t, err = cat.Build(ctx, opts.catalog, buildOpts...)
	} else {
		t, err = threshold.Parse(ctx, opts.query, buildOpts...)
	}
	if err != nil {
		return err
	}

	res := resolve.Result{Threshold: t}
	if t.IsDeferred() && opts.datasetRef != "" {
		svc := resolve.NewService(resolve.Config{Reader: opener, Logger: logger})
		res, err = svc.Resolve(ctx, resolve.Request{
			Threshold:  t,
			DatasetRef: opts.datasetRef,
			Variable:   opts.variable,
		})
		if err != nil {
			return err
		}
	}

	out, err := describe(res, freq)
	if err != nil {
		return err
	}
	return writeJSON(stdout, out)
}

func buildOptions(tc config.ThresholdConfig, opener threshold.DatasetOpener) ([]threshold.Option, error) {
	interp, ok := percentile.LookupInterpolation(tc.DefaultInterpolation)
	if !ok {
		return nil, fmt.Errorf("unknown default interpolation %q", tc.DefaultInterpolation)
	}
	opts := []threshold.Option{
		threshold.WithDatasetOpener(opener),
		threshold.WithDefaults(tc.DefaultWindow, interp),
	}
	if tc.StrictOperator {
		opts = append(opts, threshold.WithStrictOperator())
	}
	return opts, nil
}

// describe leaves metadata out while the threshold still waits for its
// reference data.
func describe(res resolve.Result, freq frequency.Frequency) (description, error) {
	t := res.Threshold
	out := description{
		Threshold:   t.String(),
		Kind:        t.Value().Kind(),
		Operator:    t.Operator().Name,
		Deferred:    t.IsDeferred(),
		Fingerprint: res.Fingerprint,
	}
	if unit, ok := t.Unit(); ok {
		out.Unit = unit
	}
	if out.Deferred {
		return out, nil
	}
	md, err := t.Metadata(freq)
	if err != nil {
		return description{}, err
	}
	out.Metadata = &md
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
