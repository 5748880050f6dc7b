package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileResult is the outcome of one scenario file.
type FileResult struct {
	Path   string   `json:"path"`
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // "match", "mismatch", "updated" or empty
	Errors []string `json:"errors,omitempty"`
}

// SuiteOptions controls RunFiles.
type SuiteOptions struct {
	// GoldenDir holds <name>.golden files. Empty disables golden checks.
	GoldenDir string
	// Update rewrites golden files instead of comparing them.
	Update bool
	// Filter is a glob matched against the scenario file name without
	// extension.
	Filter string

	Options []Option
}

// SuiteResult summarizes a set of scenario runs.
type SuiteResult struct {
	Files  []FileResult `json:"scenarios"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Total  int          `json:"total"`
}

// FindScenarioFiles expands paths into the YAML files they name. A
// directory is walked recursively.
func FindScenarioFiles(paths []string, filter string) ([]string, error) {
	var files []string
	keep := func(path string) (bool, error) {
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return false, nil
		}
		if filter == "" {
			return true, nil
		}
		name := strings.TrimSuffix(filepath.Base(path), ext)
		matched, err := filepath.Match(filter, name)
		if err != nil {
			return false, fmt.Errorf("invalid filter pattern: %w", err)
		}
		return matched, nil
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("scenario path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ok, err := keep(path)
			if ok {
				files = append(files, path)
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// RunFiles runs every scenario file and compares traces with golden files
// where they exist.
func RunFiles(files []string, opts SuiteOptions) SuiteResult {
	result := SuiteResult{Files: make([]FileResult, 0, len(files)), Total: len(files)}
	for _, path := range files {
		fr := RunFile(path, opts)
		result.Files = append(result.Files, fr)
		if fr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}
	return result
}

// RunFile loads, runs and checks a single scenario file.
func RunFile(path string, opts SuiteOptions) FileResult {
	fr := FileResult{Path: path, Name: filepath.Base(path)}
	fail := func(format string, args ...any) FileResult {
		fr.Pass = false
		fr.Errors = append(fr.Errors, fmt.Sprintf(format, args...))
		return fr
	}

	scenario, err := LoadScenario(path)
	if err != nil {
		return fail("failed to load scenario: %v", err)
	}
	fr.Name = scenario.Name

	result, err := Run(scenario, opts.Options...)
	if err != nil {
		return fail("execution failed: %v", err)
	}
	fr.Pass = result.Pass
	fr.Errors = append(fr.Errors, result.Errors...)

	if opts.GoldenDir == "" {
		return fr
	}
	if opts.Update {
		if err := WriteGolden(opts.GoldenDir, scenario, result); err != nil {
			return fail("failed to update golden file: %v", err)
		}
		fr.Golden = "updated"
		return fr
	}

	match, err := CompareGolden(opts.GoldenDir, scenario, result)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// No golden file: expectations and assertions only.
	case err != nil:
		return fail("golden comparison failed: %v", err)
	case match:
		fr.Golden = "match"
	default:
		fr.Golden = "mismatch"
		return fail("trace does not match golden file (run with --update to regenerate)")
	}
	return fr
}

// GoldenPath returns the golden file of a scenario.
func GoldenPath(goldenDir, name string) string {
	return filepath.Join(goldenDir, name+".golden")
}

// WriteGolden stores the trace of result as the scenario's golden file.
func WriteGolden(goldenDir string, scenario *Scenario, result *Result) error {
	data, err := MarshalSnapshot(snapshotOf(scenario, result))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(goldenDir, 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	return os.WriteFile(GoldenPath(goldenDir, scenario.Name), data, 0o644)
}

// CompareGolden reports whether the trace of result matches the golden file
// byte for byte. A missing file yields an error wrapping fs.ErrNotExist.
func CompareGolden(goldenDir string, scenario *Scenario, result *Result) (bool, error) {
	want, err := os.ReadFile(GoldenPath(goldenDir, scenario.Name))
	if err != nil {
		return false, err
	}
	got, err := MarshalSnapshot(snapshotOf(scenario, result))
	if err != nil {
		return false, err
	}
	return bytes.Equal(want, got), nil
}

func snapshotOf(scenario *Scenario, result *Result) TraceSnapshot {
	return TraceSnapshot{ScenarioName: scenario.Name, Identity: scenario.Identity, Trace: result.Trace}
}
