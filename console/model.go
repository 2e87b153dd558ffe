// Package console is a terminal client for asking questions over the
// loaded documents.
package console

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hubenschmidt/go-docqa/qa"
)

// Asker is the console-facing subset of the answering pipeline.
type Asker interface {
	Ask(ctx context.Context, req qa.Request) (*qa.Result, error)
}

type answerMsg struct {
	result *qa.Result
	err    error
}

// Model is the Bubble Tea model for the console. Pages cycle through one
// answer per document followed by the themes.
type Model struct {
	asker    Asker
	timeout  time.Duration
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	result   *qa.Result
	summary  string
	status   string
	page     int
	busy     bool
	ready    bool
}

// New creates a console model. summary is shown under the header.
func New(asker Asker, summary string, timeout time.Duration) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question and press Enter"
	ti.Focus()
	ti.CharLimit = qa.MaxQuestionLength
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return Model{
		asker:    asker,
		timeout:  timeout,
		input:    ti,
		viewport: viewport.New(0, 0),
		spinner:  sp,
		summary:  summary,
		status:   "Ready. Tab/arrows switch between documents and themes.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header, summary, status, query box, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-rh)
		m.viewport.SetContent(m.renderPage())
		return m, nil

	case answerMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			return m, nil
		}
		m.result = msg.result
		m.page = 0
		m.status = fmt.Sprintf("%d documents answered, %d themes in %d ms (%d tokens in, %d out)",
			len(msg.result.Answers), len(msg.result.Themes), msg.result.ElapsedMs,
			msg.result.Usage.InputTokens, msg.result.Usage.OutputTokens)
		m.viewport.SetContent(m.renderPage())
		m.viewport.GotoTop()
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy {
				return m, nil
			}
			m.busy = true
			m.status = fmt.Sprintf("Asking %q", q)
			m.input.SetValue("")
			return m, tea.Batch(m.spinner.Tick, m.ask(q))
		case "tab", "right", "down":
			if n := m.pages(); n > 0 {
				m.page = (m.page + 1) % n
				m.viewport.SetContent(m.renderPage())
				m.viewport.GotoTop()
			}
			return m, nil
		case "shift+tab", "left", "up":
			if n := m.pages(); n > 0 {
				m.page = (m.page - 1 + n) % n
				m.viewport.SetContent(m.renderPage())
				m.viewport.GotoTop()
			}
			return m, nil
		case "pgdown", "pgup":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) ask(question string) tea.Cmd {
	asker, timeout := m.asker, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := asker.Ask(ctx, qa.Request{Question: question})
		return answerMsg{result: res, err: err}
	}
}

func (m Model) pages() int {
	if m.result == nil {
		return 0
	}
	return len(m.result.Answers) + 1
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("Document QA")
	summary := dimStyle.Render(m.summary)
	results := resultBoxStyle.Render(m.viewport.View())
	input := queryBoxStyle.Render(m.input.View())
	status := statusStyle.Render(m.status)
	if m.busy {
		status = m.spinner.View() + " " + status
	}
	return header + "\n" + summary + "\n" + results + "\n" + input + "\n" + status
}

func (m Model) renderPage() string {
	if m.result == nil {
		return "No answers yet."
	}
	if m.page < len(m.result.Answers) {
		return renderAnswer(m.result.Answers[m.page], m.page+1, len(m.result.Answers))
	}
	return renderThemes(m.result)
}

func renderAnswer(a qa.DocumentAnswer, n, total int) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Document %d/%d  %s", n, total, a.DocumentName)))
	sb.WriteString("\n\n")
	if a.Error != "" {
		sb.WriteString(errorStyle.Render("Failed: " + a.Error))
		return sb.String()
	}
	sb.WriteString(citationRe.ReplaceAllStringFunc(a.Answer, func(s string) string { return highlightStyle.Render(s) }))
	if len(a.Citations) == 0 {
		return sb.String()
	}
	sb.WriteString("\n\n" + dimStyle.Render("Citations") + "\n")
	for _, c := range a.Citations {
		fmt.Fprintf(&sb, "%s Page %d, Para %d: %s\n",
			highlightStyle.Render(fmt.Sprintf("[%d]", c.Number)), c.Page, c.Paragraph, excerpt(c.Excerpt, 160))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderThemes(r *qa.Result) string {
	names := make(map[string]string, len(r.Answers))
	for _, a := range r.Answers {
		names[a.DocumentID] = a.DocumentName
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Themes"))
	sb.WriteString("\n\n")
	if r.ThemeError != "" {
		sb.WriteString(errorStyle.Render("Theme synthesis failed: " + r.ThemeError))
		sb.WriteString("\n\n")
	}
	if len(r.Themes) == 0 && r.ThemeError == "" {
		sb.WriteString("No shared themes.\n\n")
	}
	for i, t := range r.Themes {
		docs := make([]string, len(t.DocumentIDs))
		for j, id := range t.DocumentIDs {
			docs[j] = names[id]
		}
		fmt.Fprintf(&sb, "%s\n%s\n%s\n\n",
			highlightStyle.Render(fmt.Sprintf("%d. %s", i+1, t.Title)), t.Summary, dimStyle.Render(strings.Join(docs, ", ")))
	}
	if r.Synthesis != "" {
		sb.WriteString(r.Synthesis)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func excerpt(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	titleStyle     = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	citationRe     = regexp.MustCompile(`\[\d+\]`)
)
