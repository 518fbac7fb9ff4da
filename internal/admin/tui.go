package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/huaquanghan/agent-memory-server/internal/queue"
	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

type tickMsg time.Time
type dashboardMsg struct {
	queueStats queue.Stats
	sessions   int64
	longTerm   int64
	recent     []types.MemoryRecord
	err        error
	duration   time.Duration
}

type queueSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type sessionSource interface {
	Count(ctx context.Context) (int64, error)
}

type memorySource interface {
	Recent(ctx context.Context, limit int) ([]types.MemoryRecord, error)
	CountAll(ctx context.Context) (int64, error)
}

type model struct {
	ctx         context.Context
	q           queueSource
	sessions    sessionSource
	memories    memorySource
	queueStats  queue.Stats
	sessionN    int64
	longTermN   int64
	recent      []types.MemoryRecord
	lastErr     error
	lastTick    time.Time
	logLines    []string
	maxLogs     int
	recentLimit int
	width       int
	height      int
}

// Run starts a lightweight local admin dashboard.
func Run(ctx context.Context, q queueSource, sessions sessionSource, memories memorySource) error {
	m := model{
		ctx:         ctx,
		q:           q,
		sessions:    sessions,
		memories:    memories,
		maxLogs:     10,
		recentLimit: 8,
	}
	m = m.appendLog("admin UI started")
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchDashboardCmd(m.ctx, m.q, m.sessions, m.memories, m.recentLimit), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m = m.appendLog("received quit signal")
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(fetchDashboardCmd(m.ctx, m.q, m.sessions, m.memories, m.recentLimit), tickCmd())
	case dashboardMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.queueStats = msg.queueStats
			m.sessionN = msg.sessions
			m.longTermN = msg.longTerm
			m.recent = msg.recent
			m = m.appendLog(fmt.Sprintf(
				"refresh ok sessions=%d long_term=%d scheduled=%d leased=%d (%s)",
				msg.sessions,
				msg.longTerm,
				msg.queueStats.Scheduled,
				msg.queueStats.Leased,
				formatDuration(msg.duration),
			))
		} else {
			m = m.appendLog(fmt.Sprintf("refresh error: %v", msg.err))
		}
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("memoryd admin")
	meta := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("q to quit • refresh every 2s")

	statsBody := m.renderStats()
	logBody := "(no log events yet)"
	if len(m.logLines) > 0 {
		logBody = strings.Join(m.logLines, "\n")
	}

	paneWidth := 54
	if m.width > 0 {
		paneWidth = max(38, (m.width-3)/2)
	}
	paneHeight := 9
	if m.height > 0 {
		paneHeight = max(8, (m.height-8)/2)
	}

	topRow := joinColumns(
		renderPane("Stats", statsBody, paneWidth, paneHeight),
		renderPane("General Logs", logBody, paneWidth, paneHeight),
	)
	bottomRow := joinColumns(
		renderPane("Task Queue", formatQueuePane(m.queueStats), paneWidth, paneHeight),
		renderPane("Recently Promoted", formatRecentPane(m.recent), paneWidth, paneHeight),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		meta,
		"",
		topRow,
		bottomRow,
	)
}

func (m model) renderStats() string {
	body := fmt.Sprintf(
		"Sessions:          %d\nLong-term records: %d\nTasks scheduled:   %d\nTasks leased:      %d\nLast refresh:      %s",
		m.sessionN,
		m.longTermN,
		m.queueStats.Scheduled,
		m.queueStats.Leased,
		formatTime(m.lastTick),
	)
	if m.lastErr != nil {
		body += "\n\nLast error: " + truncateText(compactWhitespace(m.lastErr.Error()), 120)
	}
	return body
}

func fetchDashboardCmd(ctx context.Context, q queueSource, sessions sessionSource, memories memorySource, recentLimit int) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		qs, err := q.Stats(ctx)
		if err != nil {
			return dashboardMsg{err: err, duration: time.Since(start)}
		}
		sessionN, err := sessions.Count(ctx)
		if err != nil {
			return dashboardMsg{queueStats: qs, err: err, duration: time.Since(start)}
		}
		longTermN, err := memories.CountAll(ctx)
		if err != nil {
			return dashboardMsg{queueStats: qs, sessions: sessionN, err: err, duration: time.Since(start)}
		}
		recent, err := memories.Recent(ctx, recentLimit)
		if err != nil {
			return dashboardMsg{queueStats: qs, sessions: sessionN, longTerm: longTermN, err: err, duration: time.Since(start)}
		}
		return dashboardMsg{
			queueStats: qs,
			sessions:   sessionN,
			longTerm:   longTermN,
			recent:     recent,
			duration:   time.Since(start),
		}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func (m model) appendLog(line string) model {
	if strings.TrimSpace(line) == "" {
		return m
	}
	entry := fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line)
	m.logLines = append(m.logLines, entry)
	if m.maxLogs <= 0 {
		m.maxLogs = 10
	}
	if len(m.logLines) > m.maxLogs {
		m.logLines = m.logLines[len(m.logLines)-m.maxLogs:]
	}
	return m
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.String()
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func renderPane(title, body string, width, height int) string {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	if width > 0 {
		style = style.Width(width)
	}
	if height > 0 {
		style = style.Height(height)
	}
	return style.Render(title + "\n\n" + body)
}

func joinColumns(left, right string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
}

func formatQueuePane(st queue.Stats) string {
	return fmt.Sprintf(
		"scheduled:        %d\nleased:           %d\nsucceeded:        %d\nfailed retryable: %d\nfailed terminal:  %d",
		st.Scheduled,
		st.Leased,
		st.Succeeded,
		st.FailedRetryable,
		st.FailedTerminal,
	)
}

func formatRecentPane(rows []types.MemoryRecord) string {
	if len(rows) == 0 {
		return "(no promoted memories yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		scope := row.Namespace
		if row.UserID != "" {
			scope += "/" + row.UserID
		}
		line := fmt.Sprintf(
			"[%s] %-8s %s :: %s",
			formatClock(row.CreatedAt),
			row.MemoryType,
			truncateText(scope, 20),
			truncateText(compactWhitespace(row.Text), 56),
		)
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func truncateText(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
