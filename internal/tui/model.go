package tui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sidequest/internal/config"
	"sidequest/internal/daemon"
	"sidequest/internal/db"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// ── Styles ──────────────────────────────────────────────────────────────────

const pad = 2 // horizontal padding on each side

var (
	frameStyle    = lipgloss.NewStyle().Padding(1, pad)
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("37"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	promptStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	dotRunning    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46")).Render("●")
	dotStopped    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")).Render("●")
	statusStyle   = map[db.Status]lipgloss.Style{
		db.StatusQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		db.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		db.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		db.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		db.StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
	}
)

// ── Model ───────────────────────────────────────────────────────────────────

// Model is the BubbleTea model for the Sidequest dashboard.
//
// Navigation depth:
//
//	selected == nil → Level 1 (job list)
//	selected != nil → Level 2 (job detail with scrollable result)
type Model struct {
	store *db.Store
	cfg   *config.Config

	// apiBase is the daemon REST endpoint. Cancel and retry go through the
	// daemon so the owning scheduler sees them; tests point this at a stub.
	apiBase string

	// Level 1: job list
	jobs   []*db.Job
	cursor int

	// Level 2: job detail
	selected     *db.Job
	lines        []string // rendered detail body
	scrollOffset int

	// Confirmation prompt and action feedback
	confirmAction string // "cancel", "retry", or "" (none)
	confirmJobID  string
	actionErr     error
	actionNote    string // e.g. "retry queued as <id>"

	err    error
	width  int
	height int
}

func NewModel(store *db.Store, cfg *config.Config) Model {
	return Model{
		store:   store,
		cfg:     cfg,
		apiBase: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
	}
}

// ── Messages ────────────────────────────────────────────────────────────────

type jobsMsg []*db.Job
type jobMsg struct {
	jobID string
	job   *db.Job
}
type actionResultMsg struct {
	action   string
	jobID    string
	newJobID string
	err      error
}
type errMsg error

// ── Init / Commands ─────────────────────────────────────────────────────────

func (m Model) Init() tea.Cmd { return m.fetchJobs }

func (m Model) fetchJobs() tea.Msg {
	jobs, err := m.store.ListJobs(context.Background(), db.ListOptions{Limit: 200})
	if err != nil {
		return errMsg(err)
	}
	return jobsMsg(jobs)
}

func (m Model) fetchJob() tea.Msg {
	jobID := m.selected.ID
	job, err := m.store.GetJob(context.Background(), jobID)
	if err != nil {
		return errMsg(err)
	}
	return jobMsg{jobID: jobID, job: job}
}

// ── Job Actions ─────────────────────────────────────────────────────────────

func (m Model) executeCancel() tea.Msg {
	jobID := m.confirmJobID
	_, err := m.daemonPost("/api/jobs/" + jobID + "/cancel")
	return actionResultMsg{action: "cancel", jobID: jobID, err: err}
}

func (m Model) executeRetry() tea.Msg {
	jobID := m.confirmJobID
	data, err := m.daemonPost("/api/jobs/" + jobID + "/retry")
	res := actionResultMsg{action: "retry", jobID: jobID, err: err}
	if err == nil {
		res.newJobID, _ = data["newJobId"].(string)
	}
	return res
}

func (m Model) daemonPost(path string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiBase+path, bytes.NewReader(nil))
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable; is it running?")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("unexpected daemon response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		if errObj, ok := envelope["error"].(map[string]any); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				return nil, fmt.Errorf("%s", msg)
			}
		}
		return nil, fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	return envelope, nil
}

// ── Update ──────────────────────────────────────────────────────────────────

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.selected != nil {
			m.lines = renderMarkdown(jobMarkdown(m.selected), m.cw())
		}
	case jobsMsg:
		m.jobs = msg
		m.err = nil
		if m.cursor >= len(m.jobs) && len(m.jobs) > 0 {
			m.cursor = len(m.jobs) - 1
		}
	case jobMsg:
		// Discard stale response if user navigated away.
		if m.selected == nil || m.selected.ID != msg.jobID {
			break
		}
		m.selected = msg.job
		m.lines = renderMarkdown(jobMarkdown(msg.job), m.cw())
		m.err = nil
	case actionResultMsg:
		m.confirmAction = ""
		m.confirmJobID = ""
		if msg.err != nil {
			// Non-fatal: show inline on the current view.
			m.actionErr = msg.err
			break
		}
		m.actionErr = nil
		switch msg.action {
		case "retry":
			m.actionNote = fmt.Sprintf("retry queued as %s", msg.newJobID)
		case "cancel":
			m.actionNote = fmt.Sprintf("job %s cancelled", msg.jobID)
		}
		if m.selected != nil {
			return m, m.fetchJob
		}
		return m, m.fetchJobs
	case errMsg:
		m.err = msg
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

// renderMarkdown renders text as terminal-styled markdown via glamour.
// Falls back to plain text splitting on error.
func renderMarkdown(text string, width int) []string {
	if width < 40 {
		width = 76
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return strings.Split(text, "\n")
	}
	rendered, err := r.Render(text)
	if err != nil {
		return strings.Split(text, "\n")
	}
	// Trim trailing newlines that glamour adds.
	rendered = strings.TrimRight(rendered, "\n")
	return strings.Split(rendered, "\n")
}

// jobMarkdown builds the markdown body for the detail view. When the result
// carries a markdown report (git activity jobs do), it is shown verbatim;
// everything else is fenced JSON.
func jobMarkdown(job *db.Job) string {
	var b strings.Builder

	if job.Error != nil {
		b.WriteString("## Error\n\n")
		b.WriteString(job.Error.Message)
		b.WriteString("\n")
		if job.Error.Code != "" {
			fmt.Fprintf(&b, "\n**Code:** `%s`\n", job.Error.Code)
		}
		if job.Error.Category != "" {
			fmt.Fprintf(&b, "\n**Category:** %s\n", job.Error.Category)
		}
	}

	if len(job.Data) > 0 {
		b.WriteString("\n## Parameters\n\n")
		writeJSONFence(&b, job.Data)
	}

	if job.Result != nil {
		b.WriteString("\n## Result\n\n")
		if report := resultReport(job.Result); report != "" {
			b.WriteString(report)
			b.WriteString("\n")
		} else {
			writeJSONFence(&b, job.Result)
		}
	}

	if job.Git != nil {
		b.WriteString("\n## Git\n\n")
		if job.Git.BranchName != "" {
			fmt.Fprintf(&b, "- branch: `%s`\n", job.Git.BranchName)
		}
		for _, sha := range job.Git.Commits {
			fmt.Fprintf(&b, "- commit: `%s`\n", sha)
		}
		if job.Git.PullRequestURL != "" {
			fmt.Fprintf(&b, "- pull request: %s\n", job.Git.PullRequestURL)
		}
	}

	if b.Len() == 0 {
		if job.Status == db.StatusRunning {
			return "(in progress)"
		}
		return "(no output)"
	}
	return b.String()
}

func resultReport(result any) string {
	res, ok := result.(map[string]any)
	if !ok {
		return ""
	}
	report, _ := res["report"].(string)
	return report
}

func writeJSONFence(b *strings.Builder, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(b, "%v\n", v)
		return
	}
	fmt.Fprintf(b, "```json\n%s\n```\n", data)
}

// ── Key Handling ────────────────────────────────────────────────────────────

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit
	}

	// Confirmation prompt active — handle y/n.
	if m.confirmAction != "" {
		switch key {
		case "y":
			switch m.confirmAction {
			case "cancel":
				return m, m.executeCancel
			case "retry":
				return m, m.executeRetry
			}
		case "n", "esc":
			m.confirmAction = ""
			m.confirmJobID = ""
		}
		return m, nil
	}

	if m.selected != nil {
		return m.handleKeyDetail(key)
	}
	return m.handleKeyList(key)
}

func (m Model) handleKeyList(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.jobs)-1 {
			m.cursor++
		}
	case "enter":
		if m.cursor < len(m.jobs) {
			m.selected = m.jobs[m.cursor]
			m.scrollOffset = 0
			m.lines = renderMarkdown(jobMarkdown(m.selected), m.cw())
			m.actionNote = ""
			m.actionErr = nil
		}
	case "c":
		if m.cursor < len(m.jobs) && !m.jobs[m.cursor].Status.Terminal() {
			m.confirmAction = "cancel"
			m.confirmJobID = m.jobs[m.cursor].ID
			m.actionErr = nil
		}
	case "R":
		if m.cursor < len(m.jobs) && m.jobs[m.cursor].Status == db.StatusFailed {
			m.confirmAction = "retry"
			m.confirmJobID = m.jobs[m.cursor].ID
			m.actionErr = nil
		}
	case "r":
		m.actionNote = ""
		return m, m.fetchJobs
	}
	return m, nil
}

func (m Model) handleKeyDetail(key string) (tea.Model, tea.Cmd) {
	avail := m.scrollHeight()
	switch key {
	case "up", "k":
		if m.scrollOffset > 0 {
			m.scrollOffset--
		}
	case "down", "j":
		if m.scrollOffset < maxOffset(m.lines, avail) {
			m.scrollOffset++
		}
	case "u":
		m.scrollOffset -= avail / 2
		if m.scrollOffset < 0 {
			m.scrollOffset = 0
		}
	case "d":
		m.scrollOffset += avail / 2
		if m.scrollOffset > maxOffset(m.lines, avail) {
			m.scrollOffset = maxOffset(m.lines, avail)
		}
	case "c":
		if !m.selected.Status.Terminal() {
			m.confirmAction = "cancel"
			m.confirmJobID = m.selected.ID
			m.actionErr = nil
		}
	case "R":
		if m.selected.Status == db.StatusFailed {
			m.confirmAction = "retry"
			m.confirmJobID = m.selected.ID
			m.actionErr = nil
		}
	case "esc":
		m.selected = nil
		m.lines = nil
		m.scrollOffset = 0
		m.actionErr = nil
		m.actionNote = ""
		return m, m.fetchJobs
	case "r":
		return m, m.fetchJob
	}
	return m, nil
}

func maxOffset(lines []string, avail int) int {
	n := len(lines) - avail
	if n < 0 {
		return 0
	}
	return n
}

// ── Views ───────────────────────────────────────────────────────────────────

func (m Model) View() string {
	var content string
	if m.err != nil {
		content = fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err)
	} else if m.selected != nil {
		content = m.detailView()
	} else {
		content = m.listView()
	}
	return frameStyle.Render(content)
}

// ── Level 1: Job List with Dashboard Header ─────────────────────────────────

func (m Model) listView() string {
	var b strings.Builder
	w := m.cw()

	b.WriteString(titleStyle.Render("SIDEQUEST"))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n\n")

	daemonDot := dotStopped
	daemonLabel := "stopped"
	if _, running := daemon.Running(m.cfg.Server.PIDFile); running {
		daemonDot = dotRunning
		daemonLabel = "running"
	}
	b.WriteString(fmt.Sprintf("  %s  %s %s\n", labelStyle.Render(padRight("daemon", 9)), daemonDot, daemonLabel))
	b.WriteString(fmt.Sprintf("  %s  127.0.0.1:%d\n", labelStyle.Render(padRight("api", 9)), m.cfg.Server.Port))
	b.WriteString("\n")

	counts := m.jobCounts()
	b.WriteString(fmt.Sprintf("  %s %d   %s %d   %s %d   %s %d   %s %d\n",
		labelStyle.Render("queued"), counts[db.StatusQueued],
		statusStyle[db.StatusRunning].Render("running"), counts[db.StatusRunning],
		statusStyle[db.StatusCompleted].Render("completed"), counts[db.StatusCompleted],
		statusStyle[db.StatusFailed].Render("failed"), counts[db.StatusFailed],
		labelStyle.Render("cancelled"), counts[db.StatusCancelled],
	))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	const (
		colJob      = 34
		colPipeline = 14
		colStatus   = 11
		colRetry    = 7
		colOp       = 26
	)

	if len(m.jobs) == 0 {
		b.WriteString(dimStyle.Render("No jobs found. Trigger a pipeline to get started."))
		b.WriteString("\n")
	} else {
		header := "  " +
			headerStyle.Render(padRight("JOB", colJob)) +
			headerStyle.Render(padRight("PIPELINE", colPipeline)) +
			headerStyle.Render(padRight("STATUS", colStatus)) +
			headerStyle.Render(padRight("RETRY", colRetry)) +
			headerStyle.Render(padRight("OPERATION", colOp)) +
			headerStyle.Render("CREATED")
		b.WriteString(header)
		b.WriteString("\n")

		for i, job := range m.jobs {
			cursor := "  "
			if i == m.cursor {
				cursor = "> "
			}

			st, ok := statusStyle[job.Status]
			if !ok {
				st = dimStyle
			}

			op := job.CurrentOperation
			if job.Status == db.StatusRunning && job.Progress > 0 {
				op = fmt.Sprintf("%s %d%%", op, job.Progress)
			}

			line := cursor +
				padRight(truncate(job.ID, colJob-1), colJob) +
				padRight(truncate(job.PipelineID, colPipeline-1), colPipeline) +
				st.Render(padRight(string(job.Status), colStatus)) +
				padRight(fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries), colRetry) +
				padRight(truncate(op, colOp-1), colOp) +
				dimStyle.Render(job.CreatedAt.Local().Format("15:04:05"))

			if i == m.cursor {
				line = selectedStyle.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	if m.confirmAction != "" {
		b.WriteString(m.confirmPrompt())
		return b.String()
	}
	if m.actionErr != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("Action failed: %v", m.actionErr)))
		b.WriteString("\n")
	}
	if m.actionNote != "" {
		b.WriteString(dimStyle.Render(m.actionNote))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("j/k navigate  enter details  c cancel  R retry  r refresh  q quit"))
	return b.String()
}

// ── Level 2: Job Detail ─────────────────────────────────────────────────────

func (m Model) detailView() string {
	var b strings.Builder
	w := m.cw()
	job := m.selected

	st, ok := statusStyle[job.Status]
	if !ok {
		st = dimStyle
	}

	b.WriteString(titleStyle.Render("JOB"))
	b.WriteString(dimStyle.Render("  " + job.ID))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	kv := func(k, v string) {
		b.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(fmt.Sprintf("%-11s", k)), v))
	}
	kv("Status", st.Render(string(job.Status)))
	kv("Pipeline", job.PipelineID)
	kv("Retry", fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries))
	kv("Created", job.CreatedAt.Local().Format(time.DateTime))
	if job.StartedAt != nil {
		kv("Started", job.StartedAt.Local().Format(time.DateTime))
	}
	if job.CompletedAt != nil {
		kv("Completed", job.CompletedAt.Local().Format(time.DateTime))
	}
	if job.Duration > 0 {
		kv("Duration", (time.Duration(job.Duration) * time.Millisecond).String())
	}
	if job.Status == db.StatusRunning {
		op := fmt.Sprintf("%d%%", job.Progress)
		if job.CurrentOperation != "" {
			op += " (" + job.CurrentOperation + ")"
		}
		kv("Progress", op)
	}
	if m.actionErr != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("Action failed: %v", m.actionErr)))
		b.WriteString("\n")
	}
	if m.actionNote != "" {
		b.WriteString(dimStyle.Render(m.actionNote))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	// Scrollable body.
	avail := m.scrollHeight()
	start, end := scrollWindow(m.lines, m.scrollOffset, avail)
	for _, line := range m.lines[start:end] {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	if m.confirmAction != "" {
		b.WriteString(m.confirmPrompt())
		return b.String()
	}

	var hintParts []string
	hintParts = append(hintParts, "j/k scroll", "d/u half-page")
	if !job.Status.Terminal() {
		hintParts = append(hintParts, "c cancel")
	}
	if job.Status == db.StatusFailed {
		hintParts = append(hintParts, "R retry")
	}
	hintParts = append(hintParts, "esc back", "r refresh", "q quit")
	pct := scrollPercent(m.lines, m.scrollOffset, avail)
	b.WriteString(dimStyle.Render(strings.Join(hintParts, "  ") + pct))
	return b.String()
}

func (m Model) confirmPrompt() string {
	label := map[string]string{
		"cancel": fmt.Sprintf("Cancel job %s? (y/n)", m.confirmJobID),
		"retry":  fmt.Sprintf("Retry job %s? (y/n)", m.confirmJobID),
	}
	return promptStyle.Render(label[m.confirmAction]) + dimStyle.Render("  y confirm  n cancel")
}

// ── Helpers ─────────────────────────────────────────────────────────────────

// cw returns content width (terminal width minus frame padding).
func (m Model) cw() int {
	w := m.width - pad*2
	if w < 40 {
		w = 76 // sensible default before first WindowSizeMsg
	}
	return w
}

func (m Model) scrollHeight() int {
	// Reserve lines for chrome: frame padding(2) + title(1) + separators(3) + metadata(~7) + footer(2).
	h := m.height - 15
	if h < 1 {
		h = 1
	}
	return h
}

func (m Model) jobCounts() map[db.Status]int {
	counts := make(map[db.Status]int)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts
}

func scrollWindow(lines []string, offset, avail int) (int, int) {
	if avail < 1 {
		avail = 1
	}
	start := offset
	if start > len(lines) {
		start = len(lines)
	}
	end := start + avail
	if end > len(lines) {
		end = len(lines)
	}
	return start, end
}

func scrollPercent(lines []string, offset, avail int) string {
	if len(lines) <= avail {
		return ""
	}
	mx := len(lines) - avail
	if mx <= 0 {
		return ""
	}
	return fmt.Sprintf("  [%d%%]", offset*100/mx)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// padRight pads a plain string to n characters with spaces.
func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
