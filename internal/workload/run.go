package workload

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"initrt/internal/cctor"
	"initrt/internal/config"
	"initrt/internal/engine"
	"initrt/internal/observ"
	"initrt/internal/thread"
	"initrt/internal/trace"
	"initrt/internal/typesys"
)

// Run builds the workload, starts its threads on a fresh engine and waits
// for all of them. Initializer and managed-code failures are recorded in the
// report; anything else stops the run and is returned together with the
// partial report.
func Run(ctx context.Context, f *File) (*Report, error) {
	timer := observ.NewTimer()

	var u *typesys.Universe
	if err := timer.Track("build", func() (err error) {
		u, err = f.Build()
		return err
	}); err != nil {
		return nil, err
	}
	e := engine.New(u, f.ManagerOptions())

	if f.Run.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(f.Run.Timeout))
		defer cancel()
	}

	span, ctx := trace.Start(ctx, trace.ScopeDriver, "run")
	span.WithExtra("threads", strconv.Itoa(f.ThreadCount()))

	results := make([]ThreadResult, f.ThreadCount())
	g, gctx := errgroup.WithContext(ctx)
	if f.Run.Jobs > 0 {
		g.SetLimit(f.Run.Jobs)
	}

	phase := timer.Begin("threads")
	i := 0
	for _, spec := range f.Threads {
		spec := spec
		for k := 0; k < spec.Count; k++ {
			slot := i
			i++
			name := spec.Name
			if spec.Count > 1 {
				name = fmt.Sprintf("%s-%d", spec.Name, k)
			}
			g.Go(func() error {
				res, err := runThread(gctx, e, spec, name, f.Run)
				results[slot] = res
				return err
			})
		}
	}
	err := g.Wait()
	note := ""
	if err != nil {
		note = err.Error()
	}
	timer.End(phase, note)
	span.End(note)

	if err == nil {
		e.Manager().Close()
	}

	report := &Report{
		Workload: f.Path(),
		Threads:  results,
		Types:    typeResults(u),
		Stats:    e.Manager().Stats(),
		Compiled: e.Compiled(),
		Timing:   timer.Report(),
	}
	return report, err
}

func runThread(ctx context.Context, e *engine.Engine, spec ThreadSpec, name string, run config.Run) (res ThreadResult, err error) {
	u := e.Universe()
	th := thread.New(name)
	res = ThreadResult{Name: th.Name(), ID: uint64(th.ID())}

	if run.OSThreads {
		unlock := th.LockOS()
		defer unlock()
		res.OSThread = th.OSThread()
	}
	defer e.Manager().Detach(th)

	ctx = thread.With(ctx, th)
	span, ctx := trace.Start(ctx, trace.ScopeDriver, "thread:"+th.Name())
	start := time.Now()
	defer func() {
		res.DurationMS = float64(time.Since(start)) / float64(time.Millisecond)
		span.End(fmt.Sprintf("calls=%d failures=%d", res.Calls, len(res.Failures)))
	}()

	calls := make([]*typesys.Method, len(spec.Calls))
	for i, ref := range spec.Calls {
		if calls[i], err = u.ResolveMethod(ref); err != nil {
			return res, err
		}
	}

	for r := 0; r < run.Repeat; r++ {
		for _, tn := range spec.Reflect {
			t := u.Lookup(tn)
			if t == nil {
				return res, fmt.Errorf("unknown type %q", tn)
			}
			if err := res.record(e.Initialize(ctx, t)); err != nil {
				return res, err
			}
		}
		for _, m := range calls {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Calls++
			if err := res.record(e.Call(ctx, m)); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// record keeps managed failures and passes everything else through.
func (r *ThreadResult) record(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var tie *cctor.TypeInitError
	var me *engine.ManagedError
	if errors.As(err, &tie) || errors.As(err, &me) {
		r.Failures = append(r.Failures, err.Error())
		return nil
	}
	return err
}

func typeResults(u *typesys.Universe) []TypeResult {
	types := u.Types()
	out := make([]TypeResult, len(types))
	for i, t := range types {
		out[i] = TypeResult{
			Name:            t.Name,
			State:           t.State().String(),
			Attempts:        t.Attempts(),
			BeforeFieldInit: t.BeforeFieldInit,
			HasInitializer:  t.Initializer() != nil,
		}
	}
	return out
}
