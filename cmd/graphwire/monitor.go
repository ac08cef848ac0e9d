package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/wippyai/graphwire/config"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB")).
			Width(16)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const barWidth = 40

type progressMsg progress

type doneMsg struct{ err error }

type monitorModel struct {
	err     error
	cancel  context.CancelFunc
	graph   string
	last    progress
	spinner spinner.Model
	done    bool
}

func newMonitorModel(graph string, cancel context.CancelFunc) *monitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = barStyle
	return &monitorModel{graph: graph, cancel: cancel, spinner: s}
}

func (m *monitorModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.cancel()
			return m, tea.Quit
		}

	case progressMsg:
		m.last = progress(msg)

	case doneMsg:
		m.done = true
		m.err = msg.err

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *monitorModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("graphwire"))
	b.WriteString(" ")
	b.WriteString(m.graph)
	b.WriteString(" graphs over an in-process pipe\n\n")

	p := m.last
	filled := 0
	if p.total > 0 {
		filled = barWidth * p.graphs / p.total
	}
	if !m.done {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
	}
	b.WriteString(barStyle.Render(strings.Repeat("█", filled)))
	b.WriteString(helpStyle.Render(strings.Repeat("░", barWidth-filled)))
	b.WriteString(fmt.Sprintf(" %d/%d\n\n", p.graphs, p.total))

	rows := []struct {
		label string
		value string
	}{
		{"state", p.state.String()},
		{"objects", fmt.Sprint(p.objects)},
		{"bytes", fmt.Sprint(p.bytes)},
		{"back-refs", fmt.Sprint(p.backrefs)},
		{"batches", fmt.Sprint(p.batches)},
		{"work requests", fmt.Sprintf("%d (%d signaled)", p.posted, p.signaled)},
		{"heap requests", fmt.Sprint(p.heapRequests)},
		{"truncated", fmt.Sprintf("%d bytes", p.truncated)},
		{"elapsed", p.elapsed.String()},
	}
	for _, r := range rows {
		b.WriteString(labelStyle.Render(r.label))
		b.WriteString(valueStyle.Render(r.value))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		b.WriteString("\n\n")
	case m.done:
		b.WriteString(resultStyle.Render("every graph rebuilt and verified"))
		b.WriteString("\n\n")
	}
	b.WriteString(helpStyle.Render("q quit"))
	return b.String()
}

// runMonitor runs the demo under a live terminal view.
func runMonitor(ctx context.Context, log *zap.Logger, cfg *config.Config, opts runOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newMonitorModel(opts.graph, cancel), tea.WithAltScreen())
	errc := make(chan error, 1)
	go func() {
		err := runDemo(ctx, log, cfg, opts, func(pr progress) { p.Send(progressMsg(pr)) })
		p.Send(doneMsg{err: err})
		errc <- err
	}()
	if _, err := p.Run(); err != nil {
		return err
	}
	cancel()
	return <-errc
}
