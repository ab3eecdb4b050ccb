package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/franksops/gocopy/engine"
)

// Controller is what the TUI's keys act on.
type Controller interface {
	Cancel()
	AdjustWorkers(delta int) int
}

// StatusMsg carries a combined status from the coordinator.
type StatusMsg struct {
	Status engine.Status
	At     time.Time
}

// VisibilityMsg shows or hides the batch progress section.
type VisibilityMsg bool

// ReportMsg carries the end-of-batch report.
type ReportMsg engine.Report

// DoneMsg means no more work will be submitted; the program exits.
type DoneMsg struct{}

// WorkerCountMsg is sent after the worker count changed.
type WorkerCountMsg int

type keyMap struct {
	Cancel key.Binding
	Quit   key.Binding
	More   key.Binding
	Fewer  key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Cancel, k.Quit, k.More, k.Fewer}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var keys = keyMap{
	Cancel: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	More:   key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "more workers")),
	Fewer:  key.NewBinding(key.WithKeys("-"), key.WithHelp("-", "fewer workers")),
}

var (
	accent   = lipgloss.Color("205")
	subtle   = lipgloss.Color("241")
	titleSt  = lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1)
	infoSt   = lipgloss.NewStyle().Foreground(subtle)
	dupSt    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failSt   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	doneSt   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	footerSt = lipgloss.NewStyle().MarginTop(1)
)

// rateSmoothing weighs a new throughput sample against the running rate.
const rateSmoothing = 0.3

// chrome is the number of lines above and below the report viewport.
const chrome = 7

// TUIModel is the full-screen bubbletea model for a copy session.
type TUIModel struct {
	control Controller

	status   engine.Status
	visible  bool
	workers  int
	reports  []engine.Report
	finished bool

	sampleAt     time.Time
	sampleRemain int64
	rate         float64 // bytes per second

	spinner  spinner.Model
	bar      progress.Model
	viewport viewport.Model
	help     help.Model
	width    int
}

func NewTUIModel(control Controller, workers int) TUIModel {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(accent)

	return TUIModel{
		control: control,
		workers: workers,
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient()),
		help:    help.New(),
	}
}

func (m TUIModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-14, 10)
		m.help.Width = msg.Width
		m.viewport = viewport.New(msg.Width, max(msg.Height-chrome, 1))

	case StatusMsg:
		m.sample(msg)

	case VisibilityMsg:
		m.visible = bool(msg)
		if m.visible {
			m.sampleAt, m.rate = time.Time{}, 0
		}

	case ReportMsg:
		m.reports = append(m.reports, engine.Report(msg))

	case WorkerCountMsg:
		m.workers = int(msg)

	case DoneMsg:
		m.finished = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m TUIModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		cancel := m.cancelVisible()
		return m, func() tea.Msg {
			if cancel != nil {
				cancel()
			}
			return tea.Quit()
		}
	case key.Matches(msg, keys.Cancel):
		return m, m.cancelVisible()
	case key.Matches(msg, keys.More):
		return m, m.adjustWorkers(1)
	case key.Matches(msg, keys.Fewer):
		return m, m.adjustWorkers(-1)
	}
	return m, nil
}

// cancelVisible returns a command that cancels the batch on screen, or nil
// when no batch is shown. Cancel can block on the coordinator, which may
// itself be waiting on this program, so it never runs inside Update.
func (m TUIModel) cancelVisible() tea.Cmd {
	control := m.control
	if !m.visible || control == nil {
		return nil
	}
	return func() tea.Msg {
		control.Cancel()
		return nil
	}
}

func (m TUIModel) adjustWorkers(delta int) tea.Cmd {
	control := m.control
	if control == nil {
		return nil
	}
	return func() tea.Msg { return WorkerCountMsg(control.AdjustWorkers(delta)) }
}

// sample stores msg and folds the bytes that left the remaining total since
// the previous status into the throughput estimate.
func (m *TUIModel) sample(msg StatusMsg) {
	if !m.sampleAt.IsZero() && msg.At.After(m.sampleAt) {
		moved := m.sampleRemain - msg.Status.BytesRemaining
		secs := msg.At.Sub(m.sampleAt).Seconds()
		if moved >= 0 {
			current := float64(moved) / secs
			if m.rate == 0 {
				m.rate = current
			} else {
				m.rate += rateSmoothing * (current - m.rate)
			}
		}
	}
	m.sampleAt = msg.At
	m.sampleRemain = msg.Status.BytesRemaining
	m.status = msg.Status
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	lines := []string{m.spinner.View() + " gocopy " + titleSt.Render("File Transfers")}
	if m.visible {
		st := m.status
		lines = append(lines,
			infoSt.Render(fmt.Sprintf("%d remaining (%s) | ETA: %s | %s | Workers: %d",
				st.FilesRemaining, FormatBytes(st.BytesRemaining),
				estimate(st.BytesRemaining, m.rate), formatRate(m.rate), m.workers)),
			m.bar.ViewAs(st.Percent/100),
			"",
		)
	} else {
		lines = append(lines, infoSt.Render(fmt.Sprintf("Idle | Workers: %d", m.workers)), "")
	}

	m.viewport.SetContent(m.reportView())
	lines = append(lines, m.viewport.View())

	footer := m.help.View(keys)
	if m.finished {
		footer = doneSt.Render("Transfers complete!") + " Press q to exit."
	}
	lines = append(lines, footerSt.Render(footer))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m TUIModel) reportView() string {
	var sb strings.Builder
	for _, r := range m.reports {
		if len(r.Duplicates) == 0 && len(r.Failures) == 0 {
			sb.WriteString(doneSt.Render("Batch complete.") + "\n")
			continue
		}
		if len(r.Duplicates) > 0 {
			sb.WriteString(dupSt.Render("Already present, skipped:") + "\n")
			for _, d := range r.Duplicates {
				fmt.Fprintf(&sb, "  %s\n", truncatePath(d, 60))
			}
		}
		if len(r.Failures) > 0 {
			sb.WriteString(failSt.Render("Failed:") + "\n")
			for _, f := range r.Failures {
				fmt.Fprintf(&sb, "  %s: %v\n", truncatePath(f.Source, 40), f.Err)
			}
		}
	}
	if sb.Len() == 0 {
		return infoSt.Render("No finished batches yet...")
	}
	return sb.String()
}
