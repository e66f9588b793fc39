// Command initrt runs type initializer workloads against the initializer
// manager and reports what ran, where and how often.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"initrt/internal/config"
	"initrt/internal/version"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "initrt",
		Short:         "Type initializer execution manager",
		Long:          `initrt compiles and runs workloads of managed types, running each static initializer exactly once across concurrent threads`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupColor(cmd)
		},
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newCheckCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newVersionCmd())

	pf := root.PersistentFlags()
	pf.String("config", "", "settings file (default: nearest initrt.toml)")
	pf.String("color", "auto", "colorize output (auto|on|off)")
	pf.String("trace", "", "trace output file (- for stderr)")
	pf.String("trace-level", "", "trace level (off|error|phase|detail|debug)")
	pf.String("trace-mode", "", "trace storage mode (stream|ring|both)")
	pf.String("trace-format", "", "trace format (auto|text|ndjson)")
	pf.Int("trace-ring-size", 0, "ring buffer capacity in events (0 sizes it by thread count)")
	pf.Duration("trace-heartbeat", 0, "emit heartbeat events at this interval")
	pf.String("cpu-profile", "", "write a CPU profile to this file")
	pf.String("mem-profile", "", "write a heap profile to this file")
	pf.String("runtime-trace", "", "write a Go runtime trace to this file")
	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

// isTerminal reports whether f is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func setupColor(cmd *cobra.Command) error {
	mode, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return fmt.Errorf("failed to get color flag: %w", err)
	}
	switch strings.ToLower(mode) {
	case "auto":
		color.NoColor = !isTerminal(os.Stdout)
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	default:
		return fmt.Errorf("invalid --color %q (expected auto|on|off)", mode)
	}
	return nil
}

// loadSettings reads --config, or the nearest initrt.toml, or the defaults.
func loadSettings(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path == "" {
		found, ok, err := config.Find(".")
		if err != nil {
			return config.Config{}, err
		}
		if !ok {
			return config.Default(), nil
		}
		path = found
	}
	return config.Load(path)
}
