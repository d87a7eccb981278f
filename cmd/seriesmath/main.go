package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tidwall/gjson"

	"github.com/chosenoffset/seriesmath/internal/cli"
	"github.com/chosenoffset/seriesmath/internal/config"
	"github.com/chosenoffset/seriesmath/internal/logger"
	"github.com/chosenoffset/seriesmath/pkg/seriesmath"
	"github.com/chosenoffset/seriesmath/pkg/seriesmath/events"
)

func main() {
	opts, err := cli.Parse(filepath.Base(os.Args[0]), os.Args[1:])
	if err != nil {
		if cli.IsHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Level.SetByName(cfg.Logging.Level)
	if opts.Debug {
		logger.Level.Set(slog.LevelDebug)
	}
	log := logger.New(cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, cfg, log, os.Stdin, os.Stdout); err != nil {
		log.Error("evaluation failed", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *cli.Option, cfg *config.Config, log *slog.Logger, stdin io.Reader, stdout io.Writer) error {
	input, err := readInput(opts.Input, stdin)
	if err != nil {
		return err
	}

	resp, panel, err := extract(input, opts.ResponsePath, opts.PanelPath)
	if err != nil {
		return err
	}

	registry := events.NewRegistry()
	registry.RegisterAll(events.NewLogHandler(log))
	processor := seriesmath.NewProcessor(
		seriesmath.WithLimits(cfg.ProcessorLimits()),
		seriesmath.WithLogger(log),
		seriesmath.WithEvents(registry),
	)

	if timeout := cfg.Limits.MaxEvaluationTime; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := processor.Evaluate(ctx, resp, panel)
	if err != nil {
		return err
	}

	return writeOutput(opts.Output, stdout, out)
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return data, nil
}

// extract reads the response envelope and the panel configuration from the
// document at the given paths.
func extract(input []byte, responsePath, panelPath string) (seriesmath.Response, seriesmath.Panel, error) {
	var panel seriesmath.Panel
	if !gjson.ValidBytes(input) {
		return nil, panel, errors.New("input is not valid JSON")
	}

	rawResp := gjson.GetBytes(input, responsePath)
	if !rawResp.Exists() {
		return nil, panel, fmt.Errorf("no response at %q", responsePath)
	}
	rawPanel := gjson.GetBytes(input, panelPath)
	if !rawPanel.IsObject() {
		return nil, panel, fmt.Errorf("no panel object at %q", panelPath)
	}

	var resp seriesmath.Response
	if err := json.Unmarshal([]byte(rawResp.Raw), &resp); err != nil {
		return nil, panel, fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal([]byte(rawPanel.Raw), &panel); err != nil {
		return nil, panel, fmt.Errorf("decoding panel: %w", err)
	}
	return resp, panel, nil
}

func writeOutput(path string, stdout io.Writer, resp seriesmath.Response) error {
	w := stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
