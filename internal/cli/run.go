package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/gowdl/internal/engine"
	"github.com/me/gowdl/internal/events"
	"github.com/me/gowdl/internal/server"
	"github.com/me/gowdl/pkg/model"
	"github.com/me/gowdl/pkg/value"
	"github.com/me/gowdl/pkg/wdl"
)

func newRunCmd() *cobra.Command {
	var (
		backendKind  string
		failMode     string
		runDir       string
		serveAddr    string
		outputFormat string
		noCache      bool
	)

	cmd := &cobra.Command{
		Use:   "run <document> [inputs]",
		Short: "Run a workflow or single-task document",
		Long: `Runs the workflow of a document, or its only task, with inputs read from a
YAML or JSON file. Relative File and Directory inputs are resolved against the
inputs file's directory. Outputs are printed to stdout; the run directory
holds inputs.json, outputs.json, events.jsonl and one directory per call.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if backendKind != "" {
				cfg.Backend.Kind = backendKind
			}
			if failMode != "" {
				cfg.FailureMode = failMode
			}
			if runDir != "" {
				cfg.RunDir = runDir
			}
			if noCache {
				cfg.CallCache.Enabled = false
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			if outputFormat != "json" && outputFormat != "yaml" {
				return fmt.Errorf("--output: %q is not one of json, yaml", outputFormat)
			}

			doc, err := wdl.DecodeFile(args[0])
			if err != nil {
				return err
			}
			wf, err := engine.Check(doc)
			if err != nil {
				return err
			}
			inputsPath := ""
			if len(args) > 1 {
				inputsPath = args[1]
			}
			inputs, err := loadInputs(wf, inputsPath)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			broker := events.NewBroker()
			runs := server.NewRunTracker()
			eng, err := engine.New(cfg, logger, engine.WithBroker(broker), engine.WithSinks(runs))
			if err != nil {
				return err
			}
			defer eng.Close()

			if serveAddr != "" {
				sc := cfg.Server
				sc.Addr = serveAddr
				srv := server.New(sc, broker, logger,
					server.WithRunTracker(runs),
					server.WithScheduler(eng.Scheduler()),
					server.WithBackendKind(string(eng.Backend().Kind())),
				)
				serveCtx, stopServe := context.WithCancel(context.Background())
				served := make(chan error, 1)
				go func() { served <- srv.ListenAndServe(serveCtx) }()
				defer func() {
					stopServe()
					if err := <-served; err != nil {
						logger.Warn("reporting server failed", "error", err)
					}
				}()
			}

			res, err := eng.Run(ctx, doc, inputs)
			if err != nil {
				return err
			}
			logger.Info("run finished", "run_id", res.RunID, "state", res.State, "dir", res.Dir)
			if res.State != model.RunStateCompleted {
				return fmt.Errorf("run %s %s: %w", res.RunID, strings.ToLower(string(res.State)), res.Err)
			}
			return writeOutputs(cmd.OutOrStdout(), res.Outputs, outputFormat)
		},
	}

	cmd.Flags().StringVar(&backendKind, "backend", "", "Backend (local, docker, apptainer, slurm, tes); overrides backend.kind")
	cmd.Flags().StringVar(&failMode, "fail-mode", "", "Failure mode (fast, slow); overrides failure_mode")
	cmd.Flags().StringVar(&runDir, "dir", "", "Root directory for run directories; overrides run_dir")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Disable the call cache")
	cmd.Flags().StringVar(&serveAddr, "serve", "", "Serve health, metrics and live events on this address while running")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "json", "Output format (json, yaml)")

	return cmd
}

// loadInputs reads the inputs file and resolves relative paths against its
// directory.
func loadInputs(wf *wdl.Workflow, path string) (map[string]any, error) {
	inputs, err := engine.LoadInputs(path)
	if err != nil || path == "" {
		return inputs, err
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("get inputs directory: %w", err)
	}
	return engine.ResolvePaths(wf, inputs, dir)
}

func writeOutputs(w io.Writer, outputs map[string]value.Value, format string) error {
	plain := make(map[string]any, len(outputs))
	for k, v := range outputs {
		plain[k] = value.Export(v)
	}
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(plain); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(plain)
}
