// Package output writes retyping results to files.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"efiretype/internal/diag"
	"efiretype/internal/retype"
)

// File names inside an output directory.
const (
	RetypesFile = "retypes.jsonl"
	DiagsFile   = "diags.jsonl"
	SummaryFile = "summary.json"
	GraphFile   = "retype_graph.dot"
	CFGFile     = "retype_cfg.dot"
)

// WriteRetypes writes one JSON object per applied retype.
func WriteRetypes(dir string, results []retype.Result) error {
	return writeJSONL(filepath.Join(dir, RetypesFile), results)
}

// WriteDiags writes one JSON object per diagnostic.
func WriteDiags(dir string, diags []diag.Diag) error {
	return writeJSONL(filepath.Join(dir, DiagsFile), diags)
}

// WriteSummary writes the run summary to summary.json.
func WriteSummary(dir string, sum *retype.Summary) error {
	return writeJSON(filepath.Join(dir, SummaryFile), sum)
}

// WriteDOT writes rendered DOT text to dir/name.
func WriteDOT(dir, name, dot string) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(dot), 0644); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return nil
}

func writeJSONL[T any](path string, records []T) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("output: encode %s line %d: %w", path, i+1, err)
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
