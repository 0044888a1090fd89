package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/ashita-ai/kanshi/sdk/go/kanshi"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	statusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusTimeout = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusOther   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

func styleStatus(s kanshi.Status) string {
	switch s {
	case kanshi.StatusPending:
		return statusPending.Render(string(s))
	case kanshi.StatusSuccess, kanshi.StatusTimeoutSuccess:
		return statusSuccess.Render(string(s))
	case kanshi.StatusFailed:
		return statusFailed.Render(string(s))
	case kanshi.StatusTimeout, kanshi.StatusPartialSuccess:
		return statusTimeout.Render(string(s))
	default:
		return statusOther.Render(string(s))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printExecution(w io.Writer, e *kanshi.Execution, asJSON bool) error {
	if asJSON {
		return printJSON(w, e)
	}

	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), value)
		}
	}
	field("ID", e.CorrelationID)
	field("Status", styleStatus(e.Status))
	field("Command", e.Command)
	field("Agent", e.AgentTarget)
	field("Type", e.OperationType)
	field("Parent", e.ParentID)
	field("Started", e.StartTime.Local().Format(time.DateTime))
	if e.EndTime != nil {
		field("Duration", e.EndTime.Sub(e.StartTime).Round(time.Millisecond).String())
	}
	if e.Result != nil {
		b, _ := json.Marshal(e.Result)
		field("Result", string(b))
	}
	field("Error", e.Error)
	if len(e.ChildIDs) > 0 {
		field("Children", strings.Join(e.ChildIDs, ", "))
	}
	if len(e.Logs) > 0 {
		fmt.Fprintln(w, labelStyle.Render("Logs:"))
		for _, l := range e.Logs {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(l.Time.Local().Format(time.TimeOnly)), l.Message)
		}
	}
	return nil
}

func printExecutionTable(w io.Writer, execs []kanshi.Execution) {
	if len(execs) == 0 {
		fmt.Fprintln(w, "No executions.")
		return
	}
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("ID", "STATUS", "AGENT", "COMMAND", "STARTED")
	for _, e := range execs {
		t.Row(e.CorrelationID, styleStatus(e.Status), e.AgentTarget, truncate(e.Command, 40), e.StartTime.Local().Format(time.DateTime))
	}
	fmt.Fprintln(w, t.Render())
}

func printAgentTable(w io.Writer, agents []kanshi.Agent) {
	if len(agents) == 0 {
		fmt.Fprintln(w, "No agents registered.")
		return
	}
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("NAME", "URL")
	for _, a := range agents {
		t.Row(a.Name, a.URL)
	}
	fmt.Fprintln(w, t.Render())
}

func printHealth(w io.Writer, h *kanshi.HealthResponse) {
	fmt.Fprintf(w, "%s %s (version %s, up %s)\n", labelStyle.Render("Status:"), h.Status, h.Version,
		(time.Duration(h.Uptime) * time.Second).String())
	fmt.Fprintf(w, "%s %d\n", labelStyle.Render("Tracked:"), h.Tracked)
	if h.Archive != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Archive:"), h.Archive)
	}
	if h.SSEBroker != "" {
		fmt.Fprintf(w, "%s %s (%d subscribers)\n", labelStyle.Render("SSE:"), h.SSEBroker, h.Subscribers)
	}
}

func printEvent(w io.Writer, ev kanshi.Event) {
	e := ev.Execution
	fmt.Fprintf(w, "%s %-20s %s %s -> %s",
		labelStyle.Render(ev.At.Local().Format(time.TimeOnly)),
		ev.Type, e.CorrelationID, ev.PreviousStatus, styleStatus(e.Status))
	if n := len(e.Logs); n > 0 && ev.PreviousStatus == e.Status {
		fmt.Fprintf(w, " %q", e.Logs[n-1].Message)
	}
	if e.Error != "" {
		fmt.Fprintf(w, " error=%q", e.Error)
	}
	fmt.Fprintln(w)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
