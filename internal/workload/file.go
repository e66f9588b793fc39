// Package workload loads TOML workload files, builds their types into a
// Universe and drives them with concurrent execution threads.
package workload

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"initrt/internal/config"
)

// File is a decoded workload. The [manager], [trace] and [run] sections have
// the same shape as initrt.toml.
type File struct {
	config.Config

	Types   []TypeSpec   `toml:"type"`
	Threads []ThreadSpec `toml:"thread"`

	path string
}

// TypeSpec is one [[type]] table.
type TypeSpec struct {
	Name            string       `toml:"name"`
	BeforeFieldInit bool         `toml:"before_field_init"`
	Fields          []FieldSpec  `toml:"field"`
	Methods         []MethodSpec `toml:"method"`
}

// FieldSpec is one [[type.field]] table.
type FieldSpec struct {
	Name   string `toml:"name"`
	Static bool   `toml:"static"`
}

// MethodSpec is one [[type.method]] table. Body holds one op per entry.
type MethodSpec struct {
	Name string   `toml:"name"`
	Kind string   `toml:"kind"`
	Body []string `toml:"body"`
}

// ThreadSpec is one [[thread]] table: Count threads that each force the
// Reflect types and then make the Calls in order.
type ThreadSpec struct {
	Name    string   `toml:"name"`
	Count   int      `toml:"count"`
	Reflect []string `toml:"reflect"`
	Calls   []string `toml:"calls"`
}

// ErrNoThreads is returned for a workload that would run nothing.
var ErrNoThreads = errors.New("workload has no [[thread]] entries")

// Path returns the file the workload was loaded from.
func (f *File) Path() string { return f.path }

// Load decodes the workload at path over the default settings.
func Load(path string) (*File, error) {
	return LoadWith(path, config.Default())
}

// LoadWith decodes the workload at path over base, typically the settings
// from initrt.toml.
func LoadWith(path string, base config.Config) (*File, error) {
	f := &File{Config: base, path: path}
	meta, err := toml.DecodeFile(path, f)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if err := f.check(meta); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a workload held in memory. name is used in messages.
func Parse(name, data string) (*File, error) {
	f := &File{Config: config.Default(), path: name}
	meta, err := toml.Decode(data, f)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", name, err)
	}
	if err := f.check(meta); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}

func (f *File) check(meta toml.MetaData) error {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%w: unknown keys %s", config.ErrInvalid, strings.Join(keys, ", "))
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if len(f.Threads) == 0 {
		return ErrNoThreads
	}
	for i := range f.Threads {
		th := &f.Threads[i]
		if th.Name == "" {
			th.Name = fmt.Sprintf("thread%d", i)
		}
		if th.Count == 0 {
			th.Count = 1
		}
		if th.Count < 0 {
			return fmt.Errorf("%w: thread %q has negative count", config.ErrInvalid, th.Name)
		}
	}
	return nil
}

// ThreadCount returns how many execution threads the workload starts.
func (f *File) ThreadCount() int {
	n := 0
	for _, th := range f.Threads {
		n += th.Count
	}
	return n
}
