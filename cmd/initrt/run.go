package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"initrt/internal/config"
	"initrt/internal/workload"
)

type runOptions struct {
	report    string
	format    string
	jobs      int
	repeat    int
	osThreads bool
	strict    bool
	timings   bool
}

// ErrManagedFailures is returned by run --strict when any initializer or
// managed method failed.
var ErrManagedFailures = errors.New("workload reported managed failures")

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run WORKLOAD",
		Short: "Run a workload and print what every initializer did",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.report, "report", "", "save the report (.json, otherwise msgpack)")
	cmd.Flags().StringVar(&opts.format, "format", "text", "output format (text|json|none)")
	cmd.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "max threads running at once (0: all)")
	cmd.Flags().IntVar(&opts.repeat, "repeat", 0, "run every thread's calls this many times")
	cmd.Flags().BoolVar(&opts.osThreads, "os-threads", false, "pin each execution thread to an OS thread")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "exit non-zero when any managed failure is reported")
	cmd.Flags().BoolVar(&opts.timings, "timings", false, "print phase timings")
	return cmd
}

func runWorkload(cmd *cobra.Command, path string, opts runOptions) error {
	format := strings.ToLower(opts.format)
	switch format {
	case "text", "json", "none":
	default:
		return fmt.Errorf("unsupported format %q (must be text, json or none)", opts.format)
	}

	settings, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	f, err := workload.LoadWith(path, settings)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("jobs") {
		f.Run.Jobs = opts.jobs
	}
	if cmd.Flags().Changed("repeat") {
		f.Run.Repeat = opts.repeat
	}
	if opts.osThreads {
		f.Run.OSThreads = true
	}
	if err := f.Validate(); err != nil {
		return err
	}

	tr, err := setupTracing(cmd, f.Trace, f.ThreadCount())
	if err != nil {
		return err
	}
	defer tr.close()
	stopProf, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProf()

	report, runErr := workload.Run(cmd.Context(), f)
	if runErr != nil {
		tr.dumpRing()
		if report == nil {
			return runErr
		}
	}

	out := cmd.OutOrStdout()
	switch format {
	case "text":
		if err := workload.Render(out, report, !color.NoColor); err != nil {
			return err
		}
		if opts.timings {
			fmt.Fprint(out, "\n"+report.Timing.Summary())
		}
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	}

	if opts.report != "" {
		if err := workload.SaveReport(opts.report, report); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	if opts.strict && report.Failures() > 0 {
		return fmt.Errorf("%w: %d", ErrManagedFailures, report.Failures())
	}
	return nil
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check WORKLOAD...",
		Short: "Validate workloads without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			var errs []error
			for _, path := range args {
				if err := checkWorkload(cmd.OutOrStdout(), path, settings); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

func checkWorkload(w io.Writer, path string, settings config.Config) error {
	f, err := workload.LoadWith(path, settings)
	if err != nil {
		return err
	}
	u, err := f.Build()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	types := u.Types()
	inits, methods := 0, 0
	for _, t := range types {
		methods += len(t.Methods)
		if t.Initializer() != nil {
			inits++
		}
	}
	fmt.Fprintf(w, "%s %s: %d types (%d with initializers), %d methods, %d threads\n",
		color.GreenString("ok"), path, len(types), inits, methods, f.ThreadCount())
	return nil
}

func newReportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "report FILE",
		Short: "Print a report saved by run --report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := workload.LoadReport(args[0])
			if err != nil {
				return err
			}
			switch strings.ToLower(format) {
			case "text":
				return workload.Render(cmd.OutOrStdout(), r, !color.NoColor)
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			default:
				return fmt.Errorf("unsupported format %q (must be text or json)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|json)")
	return cmd
}
