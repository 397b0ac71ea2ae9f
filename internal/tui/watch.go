package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
	"github.com/johndauphine/pipeline-state/internal/state"
)

// DefaultRefresh is how often the watch view re-reads the state file.
const DefaultRefresh = 2 * time.Second

// Loader reads a persisted run. *checkpoint.FileStore satisfies it.
type Loader interface {
	Load(runID string) (*checkpoint.Document, error)
}

// Model is a read-only live view of one run's state file. It never takes
// the run lock, so it can watch a pipeline another process is executing.
type Model struct {
	loader   Loader
	runID    string
	interval time.Duration
	now      func() time.Time

	viewport viewport.Model
	bar      progress.Model
	ready    bool
	width    int
	height   int

	doc       *checkpoint.Document
	prog      state.Progress
	err       error
	refreshed time.Time
}

// TickMsg triggers a reload.
type TickMsg time.Time

// DocumentMsg carries the result of a reload.
type DocumentMsg struct {
	Doc *checkpoint.Document
	Err error
}

// NewWatchModel creates a watch view for runID.
func NewWatchModel(loader Loader, runID string, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultRefresh
	}
	return Model{
		loader:   loader,
		runID:    runID,
		interval: interval,
		now:      time.Now,
		bar:      progress.New(progress.WithDefaultGradient()),
	}
}

// Watch runs the watch view until the user quits.
func Watch(loader Loader, runID string, interval time.Duration) error {
	p := tea.NewProgram(NewWatchModel(loader, runID, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return m.load()
}

func (m Model) load() tea.Cmd {
	loader, runID := m.loader, m.runID
	return func() tea.Msg {
		doc, err := loader.Load(runID)
		return DocumentMsg{Doc: doc, Err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.load()
		}

	case tea.WindowSizeMsg:
		headerHeight := 5 // Title, counts, bar, blank, border
		footerHeight := 2 // Border + status bar
		vpHeight := msg.Height - headerHeight - footerHeight
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = vpHeight
		}
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = msg.Width - 4
		m.viewport.SetContent(m.tablesView())
		return m, nil

	case TickMsg:
		return m, m.load()

	case DocumentMsg:
		m.refreshed = m.now()
		if msg.Err != nil {
			m.err = msg.Err
		} else {
			m.err = nil
			m.doc = msg.Doc
			m.prog = state.BuildProgress(msg.Doc, m.refreshed)
		}
		if m.ready {
			m.viewport.SetContent(m.tablesView())
		}
		return m, m.tick()
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "\n  Loading..."
	}

	var b strings.Builder
	b.WriteString(styleTitle.Render("Pipeline " + m.runID))
	b.WriteString("\n")
	switch {
	case m.err != nil:
		b.WriteString(styleError.Render("Error: " + m.err.Error()))
	case m.doc == nil:
		b.WriteString(styleMuted.Render("Waiting for state file..."))
	default:
		b.WriteString(m.countsView())
	}
	b.WriteString("\n")
	b.WriteString(m.bar.ViewAs(m.prog.CompletionRate / 100))
	b.WriteString("\n")
	b.WriteString(styleViewport.Width(m.viewport.Width + 2).Render(m.viewport.View()))
	b.WriteString("\n")
	b.WriteString(m.statusBarView())
	return b.String()
}

func (m Model) countsView() string {
	p := m.prog
	parts := []string{
		pipelineStatusStyle(p.Status).Render(string(p.Status)),
		styleSuccess.Render(fmt.Sprintf("%d completed", p.CompletedTables)),
		styleError.Render(fmt.Sprintf("%d failed", p.FailedTables)),
		styleWarning.Render(fmt.Sprintf("%d skipped", p.SkippedTables)),
		styleRunning.Render(fmt.Sprintf("%d running", p.RunningTables)),
		styleMuted.Render(fmt.Sprintf("%d pending", p.PendingTables-p.RunningTables)),
	}
	line := strings.Join(parts, "  ")
	line += styleMuted.Render(fmt.Sprintf("  of %d", p.TotalTables))
	if p.RestartCount > 0 {
		line += styleWarning.Render(fmt.Sprintf("  restarts: %d", p.RestartCount))
	}
	return line
}

func (m Model) tablesView() string {
	if m.doc == nil {
		return ""
	}
	keys := make([]string, 0, len(m.doc.Extractions))
	for k := range m.doc.Extractions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, key := range keys {
		e := m.doc.Extractions[key]
		style := extractionStatusStyle(e.Status)
		detail := ""
		switch e.Status {
		case checkpoint.ExtractionCompleted:
			detail = fmt.Sprintf("%d records", e.RecordCount)
		case checkpoint.ExtractionFailed:
			detail = e.ErrorMessage
		case checkpoint.ExtractionSkipped:
			detail = e.SkipReason
		case checkpoint.ExtractionRunning:
			if e.StartTime != nil {
				detail = fmt.Sprintf("%s on %s", m.now().Sub(*e.StartTime).Round(time.Second), e.Worker)
			}
		}
		line := fmt.Sprintf("%-40s %s %s", key, style.Render(fmt.Sprintf("%-9s", e.Status)), styleMuted.Render(detail))
		if e.AttemptCount > 1 {
			line += styleWarning.Render(fmt.Sprintf(" (attempt %d)", e.AttemptCount))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) statusBarView() string {
	w := lipgloss.Width

	run := styleStatusRun.Render(m.runID)
	window := ""
	if m.doc != nil {
		window = styleStatusWindow.Render(m.doc.Pipeline.WindowStart.Format("2006-01-02"))
	}
	refreshed := ""
	if !m.refreshed.IsZero() {
		refreshed = styleStatusText.Render("updated " + m.refreshed.Format("15:04:05"))
	}
	help := styleStatusText.Render("r refresh  q quit")

	spacerWidth := m.width - w(run) - w(window) - w(refreshed) - w(help)
	if spacerWidth < 0 {
		spacerWidth = 0
	}
	spacer := styleStatusBar.Width(spacerWidth).Render("")

	return lipgloss.JoinHorizontal(lipgloss.Top, run, window, refreshed, spacer, help)
}
