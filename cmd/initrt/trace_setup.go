package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"initrt/internal/config"
	"initrt/internal/trace"
)

// tracing is an installed tracer together with its teardown.
type tracing struct {
	tracer    trace.Tracer
	heartbeat *trace.Heartbeat
	cmd       *cobra.Command
}

// traceSettings overlays the trace flags that were set on base.
func traceSettings(cmd *cobra.Command, base config.Trace) (config.Trace, error) {
	flags := cmd.Root().PersistentFlags()
	var err error
	if flags.Changed("trace") {
		if base.Output, err = flags.GetString("trace"); err != nil {
			return base, fmt.Errorf("failed to get trace flag: %w", err)
		}
		// Asking for an output without a level means "trace something".
		if !flags.Changed("trace-level") && (base.Level == "" || base.Level == "off") {
			base.Level = "phase"
		}
		if !flags.Changed("trace-mode") && base.Mode == "ring" {
			base.Mode = "stream"
		}
	}
	if flags.Changed("trace-level") {
		if base.Level, err = flags.GetString("trace-level"); err != nil {
			return base, fmt.Errorf("failed to get trace-level flag: %w", err)
		}
	}
	if flags.Changed("trace-mode") {
		if base.Mode, err = flags.GetString("trace-mode"); err != nil {
			return base, fmt.Errorf("failed to get trace-mode flag: %w", err)
		}
	}
	if flags.Changed("trace-format") {
		if base.Format, err = flags.GetString("trace-format"); err != nil {
			return base, fmt.Errorf("failed to get trace-format flag: %w", err)
		}
	}
	if flags.Changed("trace-ring-size") {
		if base.RingSize, err = flags.GetInt("trace-ring-size"); err != nil {
			return base, fmt.Errorf("failed to get trace-ring-size flag: %w", err)
		}
	}
	if flags.Changed("trace-heartbeat") {
		d, err := flags.GetDuration("trace-heartbeat")
		if err != nil {
			return base, fmt.Errorf("failed to get trace-heartbeat flag: %w", err)
		}
		base.Heartbeat = config.Duration(d)
	}
	return base, nil
}

// setupTracing builds the tracer described by the flags over base and
// attaches it to the command context. threads sizes the ring when no
// ring_size is set.
func setupTracing(cmd *cobra.Command, base config.Trace, threads int) (*tracing, error) {
	settings, err := traceSettings(cmd, base)
	if err != nil {
		return nil, err
	}
	cfg := config.Config{Trace: settings}
	tc, err := cfg.TracerConfig()
	if err != nil {
		return nil, err
	}
	tc.Threads = threads

	t := &tracing{tracer: trace.Nop, cmd: cmd}
	if tc.Level == trace.LevelOff {
		cmd.SetContext(trace.WithTracer(cmd.Context(), trace.Nop))
		return t, nil
	}

	tracer, err := trace.New(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	t.tracer = tracer
	cmd.SetContext(trace.WithTracer(cmd.Context(), tracer))
	if tc.Heartbeat > 0 {
		t.heartbeat = trace.StartHeartbeat(tracer, tc.Heartbeat)
	}
	return t, nil
}

// ring returns the in-memory buffer of the tracer, if it keeps one.
func (t *tracing) ring() *trace.RingTracer {
	switch tr := t.tracer.(type) {
	case *trace.RingTracer:
		return tr
	case *trace.MultiTracer:
		return tr.Ring()
	}
	return nil
}

// dumpRing writes the buffered events to stderr after a failed run.
func (t *tracing) dumpRing() {
	r := t.ring()
	if r == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "trace: last %d events before failure\n", len(r.Snapshot()))
	if err := r.Dump(os.Stderr, trace.FormatText); err != nil {
		fmt.Fprintf(os.Stderr, "trace: dump error: %v\n", err)
	}
}

func (t *tracing) close() {
	if t == nil {
		return
	}
	if t.heartbeat != nil {
		t.heartbeat.Stop()
	}
	if err := t.tracer.Flush(); err != nil {
		fmt.Fprintf(t.cmd.ErrOrStderr(), "trace: flush error: %v\n", err)
	}
	if err := t.tracer.Close(); err != nil {
		fmt.Fprintf(t.cmd.ErrOrStderr(), "trace: close error: %v\n", err)
	}
}
