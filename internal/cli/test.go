package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerwrite/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario name glob
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run write scenarios against scripted providers",
		Long: `Run YAML write scenarios through the full pipeline with scripted
providers, an in-memory journal and a virtual clock. Each scenario's
expectations and assertions are checked, and its trace is compared with
golden/<name>.golden next to the scenario file.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  ledgerwrite test ./scenarios
  ledgerwrite test ./scenarios --filter "scenario_*"
  ledgerwrite test ./scenarios --update
  ledgerwrite test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}
	files, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	result := TestResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	if len(files) == 0 {
		return out.Success(result, "No scenarios found.")
	}

	for _, file := range files {
		sr := runScenario(file, opts, cmd)
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if result.Failed > 0 {
		msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
		if opts.Format == "json" {
			out.Error("E_TEST_FAILED", msg, result)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "\nTest Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
		}
		return NewExitError(ExitFailure, msg)
	}
	return out.Success(result, fmt.Sprintf("\nTest Summary: %d passed, %d failed, %d total\n✓ All scenarios passed",
		result.Passed, result.Failed, result.Total))
}

// findScenarioFiles finds the .yaml and .yml files under dir. The golden
// directory is skipped.
func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(filepath.Base(path), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenario loads, runs and checks one scenario file.
func runScenario(file string, opts *TestOptions, cmd *cobra.Command) ScenarioResult {
	w := cmd.OutOrStdout()
	text := opts.Format != "json"
	fail := func(name string, errs ...string) ScenarioResult {
		if text {
			fmt.Fprintf(w, "✗ %s\n", name)
			for _, e := range errs {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		return ScenarioResult{Name: name, Errors: errs}
	}

	s, err := harness.LoadScenario(file)
	if err != nil {
		return fail(filepath.Base(file), fmt.Sprintf("load error: %v", err))
	}
	result, err := harness.Run(s)
	if err != nil {
		return fail(s.Name, fmt.Sprintf("run error: %v", err))
	}
	trace, err := harness.MarshalTrace(s.Name, result.Trace)
	if err != nil {
		return fail(s.Name, fmt.Sprintf("marshal trace: %v", err))
	}

	golden := goldenFilePath(file)
	if opts.Update {
		if err := writeGolden(golden, trace); err != nil {
			return fail(s.Name, err.Error())
		}
		opts.formatter(cmd).VerboseLog("updated %s", golden)
	} else {
		want, err := os.ReadFile(golden)
		if err != nil {
			return fail(s.Name, fmt.Sprintf("read golden file: %v (run with --update to create it)", err))
		}
		if !bytes.Equal(bytes.TrimSpace(want), bytes.TrimSpace(trace)) {
			return fail(s.Name, "trace does not match golden file (run with --update to regenerate)")
		}
	}

	if !result.Pass {
		return fail(s.Name, result.Errors...)
	}
	if text {
		fmt.Fprintf(w, "✓ %s\n", s.Name)
	}
	return ScenarioResult{Name: s.Name, Pass: true}
}

// goldenFilePath is <dir>/golden/<name>.golden for <dir>/<name>.yaml.
func goldenFilePath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

func writeGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create golden directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write golden file: %w", err)
	}
	return nil
}
