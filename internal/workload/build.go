package workload

import (
	"fmt"
	"strings"
	"time"

	"initrt/internal/typesys"
)

// BuildError locates a problem in a workload's type definitions.
type BuildError struct {
	Type   string
	Method string
	Op     int // 1-based body index; 0 when not about an op
	Err    error
}

func (e *BuildError) Error() string {
	var sb strings.Builder
	sb.WriteString("type " + e.Type)
	if e.Method != "" {
		sb.WriteString(" method " + e.Method)
	}
	if e.Op > 0 {
		fmt.Fprintf(&sb, " op %d", e.Op)
	}
	sb.WriteString(": " + e.Err.Error())
	return sb.String()
}

func (e *BuildError) Unwrap() error { return e.Err }

// Build defines the workload's types in a fresh Universe. Members are defined
// first so bodies may refer to anything in the file.
func (f *File) Build() (*typesys.Universe, error) {
	u := typesys.NewUniverse()

	types := make([]*typesys.Type, len(f.Types))
	for i, ts := range f.Types {
		t, err := u.DefineType(ts.Name, ts.BeforeFieldInit)
		if err != nil {
			return nil, &BuildError{Type: ts.Name, Err: err}
		}
		types[i] = t
		for _, fs := range ts.Fields {
			if _, err := u.DefineField(t, fs.Name, fs.Static); err != nil {
				return nil, &BuildError{Type: ts.Name, Err: err}
			}
		}
		for _, ms := range ts.Methods {
			kind, err := typesys.ParseMethodKind(strings.ToLower(strings.TrimSpace(ms.Kind)))
			if err != nil {
				return nil, &BuildError{Type: ts.Name, Method: ms.Name, Err: err}
			}
			if _, err := u.DefineMethod(t, ms.Name, kind); err != nil {
				return nil, &BuildError{Type: ts.Name, Method: ms.Name, Err: err}
			}
		}
	}

	for i, ts := range f.Types {
		for _, ms := range ts.Methods {
			m := types[i].Method(ms.Name)
			body := make([]typesys.Instr, 0, len(ms.Body))
			for j, op := range ms.Body {
				in, err := parseOp(u, op)
				if err != nil {
					return nil, &BuildError{Type: ts.Name, Method: ms.Name, Op: j + 1, Err: err}
				}
				body = append(body, in)
			}
			m.SetBody(body...)
		}
	}

	for _, th := range f.Threads {
		for _, ref := range th.Calls {
			if _, err := u.ResolveMethod(ref); err != nil {
				return nil, fmt.Errorf("thread %s: %w", th.Name, err)
			}
		}
		for _, name := range th.Reflect {
			if u.Lookup(name) == nil {
				return nil, fmt.Errorf("thread %s: unknown type %q", th.Name, name)
			}
		}
	}
	return u, nil
}

// parseOp reads one body op:
//
//	call T::M | new T | load T::F | store T::F | sleep DUR | fail MSG
func parseOp(u *typesys.Universe, op string) (typesys.Instr, error) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(op), " ")
	verb, arg = strings.ToLower(verb), strings.TrimSpace(arg)
	if arg == "" {
		return typesys.Instr{}, fmt.Errorf("%q: missing operand", op)
	}

	switch verb {
	case "call":
		m, err := u.ResolveMethod(arg)
		if err != nil {
			return typesys.Instr{}, err
		}
		return typesys.Call(m), nil

	case "new":
		t := u.Lookup(arg)
		if t == nil {
			return typesys.Instr{}, fmt.Errorf("unknown type %q", arg)
		}
		ctor := t.Constructor()
		if ctor == nil {
			return typesys.Instr{}, fmt.Errorf("type %s has no constructor", t.Name)
		}
		return typesys.New(ctor), nil

	case "load", "store":
		fld, err := u.ResolveField(arg)
		if err != nil {
			return typesys.Instr{}, err
		}
		if !fld.Static {
			return typesys.Instr{}, fmt.Errorf("field %s is not static", fld)
		}
		if verb == "load" {
			return typesys.Load(fld), nil
		}
		return typesys.Store(fld), nil

	case "sleep":
		d, err := time.ParseDuration(arg)
		if err != nil {
			return typesys.Instr{}, err
		}
		return typesys.Sleep(d), nil

	case "fail":
		return typesys.Fail(strings.Trim(arg, `"`)), nil

	default:
		return typesys.Instr{}, fmt.Errorf("unknown op %q (expected call|new|load|store|sleep|fail)", verb)
	}
}
