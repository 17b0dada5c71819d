package scenario

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/jguan/mcpcheck/pkg/failure"
)

type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

// Result is the outcome of the setup phase or of one scenario.
type Result struct {
	Name        string       `json:"name" yaml:"name"`
	Transport   string       `json:"transport,omitempty" yaml:"transport,omitempty"`
	Status      Status       `json:"status" yaml:"status"`
	DurationMS  int64        `json:"duration_ms" yaml:"duration_ms"`
	Kind        failure.Kind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Error       string       `json:"error,omitempty" yaml:"error,omitempty"`
	SkipReason  string       `json:"skip_reason,omitempty" yaml:"skip_reason,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
}

func (r *Result) finish(start time.Time, err error) {
	r.DurationMS = time.Since(start).Milliseconds()
	if err == nil {
		r.Status = StatusPass
		return
	}
	r.Status = StatusFail
	r.Error = err.Error()
	if kind, ok := failure.KindOf(err); ok {
		r.Kind = kind
	}
}

// Report is the record of one run.
type Report struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	DurationMS int64     `json:"duration_ms" yaml:"duration_ms"`
	Passed     bool      `json:"passed" yaml:"passed"`
	Setup      Result    `json:"setup" yaml:"setup"`
	Scenarios  []Result  `json:"scenarios" yaml:"scenarios"`
}

// Counts tallies scenario results by status.
func (r *Report) Counts() (pass, fail, skip int) {
	for _, s := range r.Scenarios {
		switch s.Status {
		case StatusPass:
			pass++
		case StatusFail:
			fail++
		case StatusSkip:
			skip++
		}
	}
	return pass, fail, skip
}

// Result returns the scenario result with the given name.
func (r *Report) Result(name string) (Result, bool) {
	for _, s := range r.Scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return Result{}, false
}

// Format names a report rendering.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Render writes the report to w in format.
func (r *Report) Render(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		b, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case FormatYAML:
		b, err := yaml.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal YAML: %w", err)
		}
		_, err = w.Write(b)
		return err
	case FormatText, "":
		return r.renderText(w)
	default:
		return fmt.Errorf("unknown report format %q (valid: text, json, yaml)", format)
	}
}

func (r *Report) renderText(w io.Writer) error {
	re := lipgloss.NewRenderer(w)
	styles := map[Status]lipgloss.Style{
		StatusPass: re.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		StatusFail: re.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		StatusSkip: re.NewStyle().Foreground(lipgloss.Color("214")),
	}
	name := re.NewStyle().Width(34)
	dim := re.NewStyle().Foreground(lipgloss.Color("240"))
	indent := re.NewStyle().PaddingLeft(6)

	var sb strings.Builder
	line := func(res Result) {
		status := styles[res.Status].Render(fmt.Sprintf("%-4s", res.Status))
		meta := res.Transport
		if res.Status != StatusSkip {
			if meta != "" {
				meta += ", "
			}
			meta += (time.Duration(res.DurationMS) * time.Millisecond).String()
		}
		fmt.Fprintf(&sb, "%s  %s %s", status, name.Render(res.Name), dim.Render("("+meta+")"))
		if res.SkipReason != "" {
			fmt.Fprintf(&sb, " %s", dim.Render(res.SkipReason))
		}
		sb.WriteString("\n")
		if res.Error != "" {
			sb.WriteString(indent.Render(res.Error))
			sb.WriteString("\n")
		}
	}

	if r.Setup.Status == StatusFail {
		line(r.Setup)
	}
	for _, s := range r.Scenarios {
		line(s)
	}

	pass, fail, skip := r.Counts()
	summary := fmt.Sprintf("%d passed, %d failed, %d skipped in %s (run %s)",
		pass, fail, skip, time.Duration(r.DurationMS)*time.Millisecond, r.RunID)
	if r.Passed {
		summary = styles[StatusPass].Render(summary)
	} else {
		summary = styles[StatusFail].Render(summary)
	}
	sb.WriteString(summary)
	sb.WriteString("\n")

	_, err := io.WriteString(w, sb.String())
	return err
}
