package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/finside/chatloop/internal/config"
	"github.com/finside/chatloop/internal/coordinator"
	"github.com/finside/chatloop/internal/retry"
	"github.com/finside/chatloop/internal/session"
	"github.com/finside/chatloop/internal/stream"
)

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	logPath := fs.String("log", "", "write debug logs to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("usage: chatloop chat [--config <path>] [--log <path>] [thread_id]")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The TUI owns stdout, so logs go to a file or nowhere.
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	if *logPath != "" {
		f, err := tea.LogToFile(*logPath, "chatloop")
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logger = newLogger(cfg.Service.LogLevel, f)
	}

	sessions := session.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, logger)
	streams := stream.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Stream.WatchdogInterval, logger)
	retries := retry.New(logger)

	coord := coordinator.New(
		sessions,
		coordinator.StreamClient{Client: streams},
		retries,
		coordinator.Callbacks{},
		coordinator.Config{
			AccountID:  cfg.Chat.AccountID,
			UserID:     cfg.Chat.UserID,
			StatusText: cfg.Stream.StatusText,
		},
		logger,
	)

	ctx := context.Background()
	coord.Open(ctx, fs.Arg(0))

	p := tea.NewProgram(newChatModel(ctx, coord), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

type coordUpdateMsg struct{}

type dispatchDoneMsg struct{}

type chatModel struct {
	ctx    context.Context
	coord  *coordinator.Coordinator
	input  textinput.Model
	width  int
	height int
}

func newChatModel(ctx context.Context, coord *coordinator.Coordinator) chatModel {
	input := textinput.New()
	input.Placeholder = "Ask about your accounts..."
	input.CharLimit = 2000
	input.Focus()

	return chatModel{
		ctx:   ctx,
		coord: coord,
		input: input,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForUpdateCmd(m.coord))
}

func waitForUpdateCmd(coord *coordinator.Coordinator) tea.Cmd {
	return func() tea.Msg {
		<-coord.Updates()
		return coordUpdateMsg{}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case coordUpdateMsg:
		return m, waitForUpdateCmd(m.coord)

	case dispatchDoneMsg:
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.coord.Cancel()
			return m, tea.Quit
		case "esc":
			if m.coord.State() == coordinator.StateError {
				m.coord.DismissError()
				return m, nil
			}
			m.coord.Cancel()
			return m, nil
		case "ctrl+r":
			if m.coord.ShouldShowRetryPopup() {
				return m, m.retryCmd()
			}
			return m, nil
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			if m.coord.State() == coordinator.StateInterrupted {
				return m, m.resumeCmd(text)
			}
			return m, m.submitCmd(text)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submitCmd dispatches off the UI loop; the coordinator surfaces the outcome
// through its state, not through this command.
func (m chatModel) submitCmd(text string) tea.Cmd {
	return func() tea.Msg {
		_ = m.coord.Submit(m.ctx, text)
		return dispatchDoneMsg{}
	}
}

func (m chatModel) resumeCmd(text string) tea.Cmd {
	value := strings.ToLower(text)
	if value != "yes" {
		value = "no"
	}
	return func() tea.Msg {
		_ = m.coord.Resume(m.ctx, value)
		return dispatchDoneMsg{}
	}
}

func (m chatModel) retryCmd() tea.Cmd {
	return func() tea.Msg {
		_ = m.coord.Retry(m.ctx)
		return dispatchDoneMsg{}
	}
}

func (m chatModel) View() string {
	accent := lipgloss.Color("#2563EB")
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#F8FAFC")).
		Background(accent).
		Padding(0, 1).
		Render("Chatloop")

	state := m.coord.State()
	statusStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#F8FAFC")).
		Background(accent).
		Padding(0, 1)
	switch state {
	case coordinator.StateIdle:
		statusStyle = statusStyle.Background(lipgloss.Color("#6B7280"))
	case coordinator.StateInterrupted:
		statusStyle = statusStyle.Background(lipgloss.Color("#F59E0B"))
	case coordinator.StateError:
		statusStyle = statusStyle.Background(lipgloss.Color("#EF4444"))
	}
	status := statusStyle.Render(strings.ToUpper(string(state)))

	width := m.width - 2
	if width < 40 {
		width = 78
	}
	messagesHeight := m.height - 12
	if messagesHeight < 8 {
		messagesHeight = 8
	}

	messagesPanel := renderPanel("Conversation", m.messageLines(width-4), width, messagesHeight, accent)
	timelinePanel := renderPanel("Progress", m.timelineLines(), width, 5, accent)

	footer := m.footerLine()

	return strings.Join([]string{
		title + " " + status,
		messagesPanel,
		timelinePanel,
		m.input.View(),
		footer,
	}, "\n")
}

func (m chatModel) messageLines(width int) []string {
	userStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#93C5FD"))
	assistantStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#E2E8F0"))
	statusStyle := lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#94A3B8"))

	var lines []string
	for _, msg := range m.coord.Messages() {
		prefix := "agent"
		style := assistantStyle
		if msg.Role == session.RoleUser {
			prefix = "you"
			style = userStyle
		}
		if msg.IsStatus {
			style = statusStyle
		}
		for _, line := range wrapText(fmt.Sprintf("%s: %s", prefix, msg.Content), width) {
			lines = append(lines, style.Render(line))
		}
	}

	if interrupt := m.coord.CurrentInterrupt(); interrupt != nil {
		prompt := interruptPrompt(interrupt)
		for _, line := range wrapText("confirm: "+prompt+" (type yes or no)", width) {
			lines = append(lines, lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Render(line))
		}
	}

	if len(lines) == 0 {
		lines = []string{"start the conversation below"}
	}
	return lines
}

func (m chatModel) timelineLines() []string {
	steps := m.coord.Timeline()
	if len(steps) == 0 {
		return []string{"no activity yet"}
	}
	lines := make([]string, 0, len(steps))
	for _, step := range steps {
		marker := "…"
		if step.IsComplete {
			marker = "✓"
		} else if step.IsRunning {
			marker = "→"
		}
		lines = append(lines, fmt.Sprintf("%s %s", marker, step.Label))
	}
	return lines
}

func (m chatModel) footerLine() string {
	if err, retryable := m.coord.LastError(); err != nil {
		text := "error: " + err.Error()
		if retryable && m.coord.ShouldShowRetryPopup() {
			text += "  (ctrl+r: retry, esc: dismiss)"
		} else {
			text += "  (esc: dismiss)"
		}
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Render(text)
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("#64748B")).
		Render("enter: send  esc: cancel  ctrl+c: quit")
}

// interruptPrompt extracts a displayable prompt from the opaque interrupt
// value.
func interruptPrompt(interrupt *stream.Interrupt) string {
	var payload struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(interrupt.Value, &payload); err == nil && payload.Prompt != "" {
		return payload.Prompt
	}
	var plain string
	if err := json.Unmarshal(interrupt.Value, &plain); err == nil && plain != "" {
		return plain
	}
	return string(interrupt.Value)
}

func renderPanel(title string, lines []string, width, height int, accent lipgloss.Color) string {
	if height < 3 {
		height = 3
	}
	contentHeight := height - 1
	if len(lines) > contentHeight {
		lines = lines[len(lines)-contentHeight:]
	}
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	content := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title) + "\n" + strings.Join(lines, "\n")

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Width(width).
		Height(height).
		Padding(0, 1).
		Render(content)
}

func wrapText(text string, width int) []string {
	if width < 10 {
		width = 10
	}
	var lines []string
	for _, paragraph := range strings.Split(text, "\n") {
		current := ""
		for _, word := range strings.Fields(paragraph) {
			switch {
			case current == "":
				current = word
			case len(current)+1+len(word) <= width:
				current += " " + word
			default:
				lines = append(lines, current)
				current = word
			}
		}
		lines = append(lines, current)
	}
	return lines
}
