// Package report печатает итоги прогона сценария: таблицу шагов по линиям
// и цветную сводку.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/arzzra/rtap_phone/pkg/phone"
	"github.com/arzzra/rtap_phone/pkg/scenario"
)

var (
	passMark = color.New(color.FgHiGreen).Sprint("✓")
	failMark = color.New(color.FgHiRed).Sprint("✗")
	cyan     = color.New(color.FgHiCyan).SprintFunc()
	green    = color.New(color.FgHiGreen).SprintFunc()
	yellow   = color.New(color.FgHiYellow).SprintFunc()
	red      = color.New(color.FgHiRed).SprintFunc()
)

// Printer выводит отчет
type Printer struct {
	Out io.Writer
	// Verbose выводит все шаги, иначе только неуспешные
	Verbose bool
}

// New создает Printer
func New(out io.Writer, verbose bool) *Printer {
	return &Printer{Out: out, Verbose: verbose}
}

// Print выводит таблицу шагов и сводку по линиям
func (p *Printer) Print(r *scenario.Report) error {
	fmt.Fprintf(p.Out, "%s %s (run %s)\n\n", cyan("Сценарий"), r.Name, r.RunID)

	table := p.table([]string{"Line", "#", "Step", "Result", "Detail", "Took"})
	rows := 0
	for _, l := range r.Lines {
		for _, s := range l.Steps {
			if !p.Verbose && s.OK {
				continue
			}
			detail := s.Detail
			if s.Err != "" {
				detail = red(s.Err)
			}
			if err := table.Append([]string{
				cyan(l.Number),
				fmt.Sprintf("%d", s.Index+1),
				s.Step,
				stepResult(s),
				detail,
				round(s.Took).String(),
			}); err != nil {
				return err
			}
			rows++
		}
	}
	if rows > 0 {
		if err := table.Render(); err != nil {
			return err
		}
		fmt.Fprintln(p.Out)
	}

	for _, l := range r.Lines {
		p.printLine(l)
	}

	fmt.Fprintln(p.Out)
	passed := 0
	for _, l := range r.Lines {
		if l.Passed() {
			passed++
		}
	}
	summary := fmt.Sprintf("%d/%d линий прошли за %s", passed, len(r.Lines), round(r.Duration()))
	if r.Passed() {
		fmt.Fprintf(p.Out, "%s %s\n", passMark, green(summary))
	} else {
		fmt.Fprintf(p.Out, "%s %s\n", failMark, red(summary))
	}
	return nil
}

func (p *Printer) printLine(l scenario.LineReport) {
	mark := passMark
	if !l.Passed() {
		mark = failMark
	}

	errCount := 0
	for _, res := range l.Results {
		if res == phone.ResultError {
			errCount++
		}
	}

	parts := []string{
		fmt.Sprintf("шагов %d/%d", len(l.Steps)-len(l.Failures()), len(l.Steps)),
		fmt.Sprintf("вызов %s/%s", round(l.Connected), round(l.Total)),
	}
	if l.FinalState != "" {
		parts = append(parts, "состояние "+string(l.FinalState))
	}
	if errCount > 0 {
		parts = append(parts, red(fmt.Sprintf("ERROR x%d", errCount)))
	}
	if l.Aborted {
		parts = append(parts, yellow("прервана"))
	}
	if l.Err != "" {
		parts = append(parts, red(l.Err))
	}
	fmt.Fprintf(p.Out, "%s %s  %s\n", mark, cyan(l.Number), strings.Join(parts, ", "))
}

func (p *Printer) table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(p.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}

func stepResult(s scenario.StepResult) string {
	switch {
	case s.Err != "":
		return red("error")
	case !s.OK:
		return red("fail")
	case s.Detail == "skipped":
		return yellow("skip")
	default:
		return green("ok")
	}
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
