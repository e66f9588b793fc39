package workload

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"initrt/internal/cctor"
	"initrt/internal/observ"
)

// ThreadResult is what one execution thread did.
type ThreadResult struct {
	Name       string   `json:"name" msgpack:"name"`
	ID         uint64   `json:"id" msgpack:"id"`
	OSThread   int      `json:"os_thread,omitempty" msgpack:"os_thread,omitempty"`
	Calls      int      `json:"calls" msgpack:"calls"`
	Failures   []string `json:"failures,omitempty" msgpack:"failures,omitempty"`
	DurationMS float64  `json:"duration_ms" msgpack:"duration_ms"`
}

// TypeResult is the final initializer state of one type.
type TypeResult struct {
	Name            string `json:"name" msgpack:"name"`
	State           string `json:"state" msgpack:"state"`
	Attempts        uint32 `json:"attempts" msgpack:"attempts"`
	BeforeFieldInit bool   `json:"before_field_init" msgpack:"before_field_init"`
	HasInitializer  bool   `json:"has_initializer" msgpack:"has_initializer"`
}

// Report summarizes a run.
type Report struct {
	Workload string         `json:"workload" msgpack:"workload"`
	Threads  []ThreadResult `json:"threads" msgpack:"threads"`
	Types    []TypeResult   `json:"types" msgpack:"types"`
	Stats    cctor.Stats    `json:"stats" msgpack:"stats"`
	Compiled uint64         `json:"compiled" msgpack:"compiled"`
	Timing   observ.Report  `json:"timing" msgpack:"timing"`
}

// Failures counts managed failures across all threads.
func (r *Report) Failures() int {
	n := 0
	for _, th := range r.Threads {
		n += len(th.Failures)
	}
	return n
}

// Type returns the result for the named type.
func (r *Report) Type(name string) (TypeResult, bool) {
	for _, t := range r.Types {
		if t.Name == name {
			return t, true
		}
	}
	return TypeResult{}, false
}

// WriteReport encodes r as msgpack.
func WriteReport(w io.Writer, r *Report) error {
	return msgpack.NewEncoder(w).Encode(r)
}

// ReadReport decodes a msgpack report.
func ReadReport(rd io.Reader) (*Report, error) {
	var r Report
	if err := msgpack.NewDecoder(rd).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// SaveReport writes r to path: JSON for .json files, msgpack otherwise. The
// file is replaced atomically.
func SaveReport(path string, r *Report) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if isJSON(path) {
		enc := json.NewEncoder(tmp)
		enc.SetIndent("", "  ")
		err = enc.Encode(r)
	} else {
		err = WriteReport(tmp, r)
	}
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadReport reads a report written by SaveReport.
func LoadReport(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if isJSON(path) {
		var r Report
		if err := json.NewDecoder(f).Decode(&r); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return &r, nil
	}
	r, err := ReadReport(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}
