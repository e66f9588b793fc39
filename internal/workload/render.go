package workload

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// Render writes r as aligned text tables. With styled set, headers and
// states are colored.
func Render(w io.Writer, r *Report, styled bool) error {
	p := printer{styled: styled}

	types := table{header: []string{"TYPE", "MODE", "STATE", "ATTEMPTS"}}
	for _, t := range r.Types {
		mode := "strict"
		if t.BeforeFieldInit {
			mode = "relaxed"
		}
		state := t.State
		if !t.HasInitializer {
			state += " (no initializer)"
		}
		types.add(t.Name, mode, state, strconv.FormatUint(uint64(t.Attempts), 10))
	}

	threads := table{header: []string{"THREAD", "CALLS", "FAILURES", "MS"}}
	for _, th := range r.Threads {
		threads.add(th.Name, strconv.Itoa(th.Calls), strconv.Itoa(len(th.Failures)), fmt.Sprintf("%.2f", th.DurationMS))
	}

	var sb strings.Builder
	if r.Workload != "" {
		sb.WriteString(p.title("workload " + r.Workload))
		sb.WriteString("\n\n")
	}
	types.render(&sb, p, 2)
	sb.WriteByte('\n')
	threads.render(&sb, p, -1)
	sb.WriteByte('\n')

	st := r.Stats
	fmt.Fprintf(&sb, "initializers: %d invoked, %d failed, %d batches, %d inline\n",
		st.Invoked, st.Failed, st.Batches, st.Inline)
	fmt.Fprintf(&sb, "locks: %d taken, %d waits, %d reentered, peak %d, live %d\n",
		st.Locks, st.Waits, st.Reentered, st.PeakLocks, st.LiveLocks)
	fmt.Fprintf(&sb, "compiled methods: %d, queued types: %d\n", r.Compiled, st.Queued)

	for _, th := range r.Threads {
		for _, msg := range th.Failures {
			sb.WriteString(p.status("failed", th.Name+": "+msg))
			sb.WriteByte('\n')
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

type printer struct {
	styled bool
}

func (p printer) title(s string) string {
	if !p.styled {
		return s
	}
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7")).Render(s)
}

func (p printer) header(s string) string {
	if !p.styled {
		return s
	}
	return lipgloss.NewStyle().Bold(true).Render(s)
}

// status colors s by an initializer state or outcome.
func (p printer) status(state, s string) string {
	if !p.styled {
		return s
	}
	return styleStatus(state).Render(s)
}

func styleStatus(state string) lipgloss.Style {
	switch {
	case strings.HasPrefix(state, "completed"):
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case strings.HasPrefix(state, "failed"), strings.HasPrefix(state, "not-started"):
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case strings.HasPrefix(state, "running"):
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

type table struct {
	header []string
	rows   [][]string
}

func (t *table) add(cells ...string) { t.rows = append(t.rows, cells) }

// render pads by display width so names with wide runes still line up.
// statusCol is the column colored by state, or -1.
func (t *table) render(sb *strings.Builder, p printer, statusCol int) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}

	line := func(cells []string, style func(col int, padded string) string) {
		for i, cell := range cells {
			padded := cell
			if i < len(cells)-1 {
				padded = runewidth.FillRight(cell, widths[i]+2)
			}
			sb.WriteString(style(i, padded))
		}
		sb.WriteByte('\n')
	}

	line(t.header, func(_ int, s string) string { return p.header(s) })
	for _, row := range t.rows {
		line(row, func(col int, s string) string {
			if col == statusCol {
				return p.status(strings.TrimSpace(s), s)
			}
			return s
		})
	}
}
