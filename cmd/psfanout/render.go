package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/smnsjas/go-psfanout/fanout"
	"github.com/smnsjas/go-psfanout/session"
)

// printer writes outcomes as they arrive. Colors are dropped when w is not
// a terminal.
type printer struct {
	w       io.Writer
	r       *lipgloss.Renderer
	verbose bool

	ok      lipgloss.Style
	fail    lipgloss.Style
	warn    lipgloss.Style
	faint   lipgloss.Style
	heading lipgloss.Style
}

func newPrinter(w io.Writer, verbose bool) *printer {
	r := lipgloss.NewRenderer(w)
	return &printer{
		w:       w,
		r:       r,
		verbose: verbose,
		ok:      r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		fail:    r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		warn:    r.NewStyle().Foreground(lipgloss.Color("3")),
		faint:   r.NewStyle().Faint(true),
		heading: r.NewStyle().Bold(true).Underline(true),
	}
}

func (p *printer) outcome(out fanout.Outcome) {
	switch out.Kind {
	case fanout.OutcomeSession:
		fmt.Fprintf(p.w, "%s %s opened as %s (id %d)\n",
			p.ok.Render("OK"), out.Target, out.Handle.Name, out.Handle.ID)
	case fanout.OutcomeError:
		fmt.Fprintf(p.w, "%s %s: %s: %v\n",
			p.fail.Render("FAIL"), out.Target, out.Error.Category, out.Error.Err)
	case fanout.OutcomeDiagnostic:
		switch out.Diagnostic.Level {
		case fanout.LevelWarning:
			fmt.Fprintln(p.w, p.warn.Render(fmt.Sprintf("WARNING: %s: %s", out.Target, out.Diagnostic.Message)))
		case fanout.LevelVerbose:
			if p.verbose {
				fmt.Fprintln(p.w, p.faint.Render(fmt.Sprintf("VERBOSE: %s: %s", out.Target, out.Diagnostic.Message)))
			}
		}
	}
}

// summary prints the opened sessions as a table followed by the counts.
func (p *printer) summary(handles []*session.Handle, failed int) {
	if len(handles) > 0 {
		rows := [][]string{{"Id", "Name", "ComputerName", "Transport", "State", "ConfigurationName"}}
		for _, h := range handles {
			rows = append(rows, []string{
				strconv.Itoa(h.ID), h.Name, h.ComputerName, h.Transport, h.State().String(), h.ConfigurationName,
			})
		}
		fmt.Fprintln(p.w)
		p.table(rows)
	}

	counts := fmt.Sprintf("%d opened, %d failed", len(handles), failed)
	if failed > 0 {
		counts = p.fail.Render(counts)
	} else {
		counts = p.ok.Render(counts)
	}
	fmt.Fprintln(p.w, counts)
}

func (p *printer) table(rows [][]string) {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	for n, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := p.r.NewStyle().Width(widths[i] + 2)
			if n == 0 {
				cells[i] = style.Render(p.heading.Render(cell))
			} else {
				cells[i] = style.Render(cell)
			}
		}
		fmt.Fprintln(p.w, strings.TrimRight(strings.Join(cells, ""), " "))
	}
}
