// Package ui is the terminal front end of the chat: a status line that
// toggles the chat panel, the conversation list and the conversation window.
// It keeps no chat state of its own and re-reads the session snapshot
// whenever the session reports a change.
package ui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pelusa-v/forumchat/internal/chat"
)

// Controller is the session surface the UI drives; *chat.Session implements it.
type Controller interface {
	Snapshot() chat.Snapshot
	Subscribe() (<-chan chat.Event, func())
	TogglePanel() bool
	OpenConversation(ctx context.Context, partnerID string) error
	SelectConversation(partnerID string)
	DeselectConversation()
	SendMessage(ctx context.Context, partnerID, text string) (*chat.Delivery, error)
	Resend(ctx context.Context, partnerID, messageID string) (*chat.Delivery, error)
}

type (
	eventMsg       chat.Event
	eventsClosed   struct{}
	actionErrorMsg struct{ err error }
)

type mode int

const (
	modeBrowse mode = iota // list or window, depending on the selection
	modePrompt             // asking for a partner id to open
)

type Model struct {
	ctl    Controller
	events <-chan chat.Event
	cancel func()

	keys     KeyMap
	input    textinput.Model
	prompt   textinput.Model
	viewport viewport.Model
	spinner  spinner.Model

	snap   chat.Snapshot
	cursor int
	mode   mode
	status string

	width, height int
}

func New(ctl Controller) Model {
	in := textinput.New()
	in.Placeholder = "Write a message"
	in.CharLimit = 2000
	in.Focus()

	pr := textinput.New()
	pr.Placeholder = "user id"
	pr.Prompt = "Open chat with: "

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	events, cancel := ctl.Subscribe()
	m := Model{
		ctl:      ctl,
		events:   events,
		cancel:   cancel,
		keys:     DefaultKeyMap(),
		input:    in,
		prompt:   pr,
		viewport: viewport.New(60, 12),
		spinner:  sp,
		width:    64,
		height:   20,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events), textinput.Blink)
}

func waitForEvent(ch <-chan chat.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return eventsClosed{}
		}
		return eventMsg(e)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case eventMsg:
		m.refresh()
		return m, waitForEvent(m.events)

	case eventsClosed:
		return m, nil

	case actionErrorMsg:
		m.status = describe(msg.err)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.hasPending() {
			m.renderConversation()
		}
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit
	case key.Matches(msg, m.keys.Toggle):
		m.ctl.TogglePanel()
		m.refresh()
		return m, nil
	}
	if !m.snap.PanelOpen {
		return m, nil
	}
	if m.mode == modePrompt {
		return m.handlePromptKey(msg)
	}
	if m.snap.Selected == "" {
		return m.handleListKey(msg)
	}
	return m.handleWindowKey(msg)
}

func (m Model) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.snap.Conversations)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Select):
		if m.cursor < len(m.snap.Conversations) {
			m.ctl.SelectConversation(m.snap.Conversations[m.cursor].Partner.ID)
			m.status = ""
			m.refresh()
		}
	case key.Matches(msg, m.keys.Open):
		m.mode = modePrompt
		m.prompt.Reset()
		return m, m.prompt.Focus()
	}
	return m, nil
}

func (m Model) handlePromptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Back):
		m.mode = modeBrowse
		m.prompt.Blur()
		return m, nil
	case key.Matches(msg, m.keys.Select):
		id := strings.TrimSpace(m.prompt.Value())
		m.mode = modeBrowse
		m.prompt.Blur()
		if id == "" {
			return m, nil
		}
		ctl := m.ctl
		return m, func() tea.Msg {
			if err := ctl.OpenConversation(context.Background(), id); err != nil {
				return actionErrorMsg{err}
			}
			return nil
		}
	}
	var cmd tea.Cmd
	m.prompt, cmd = m.prompt.Update(msg)
	return m, cmd
}

func (m Model) handleWindowKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	partner := m.snap.Selected
	switch {
	case key.Matches(msg, m.keys.Back):
		m.ctl.DeselectConversation()
		m.refresh()
		return m, nil
	case key.Matches(msg, m.keys.Send):
		text := m.input.Value()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		m.input.Reset()
		m.status = ""
		ctl := m.ctl
		return m, func() tea.Msg {
			if _, err := ctl.SendMessage(context.Background(), partner, text); err != nil {
				return actionErrorMsg{err}
			}
			return nil
		}
	case key.Matches(msg, m.keys.Resend):
		failed, ok := lastFailed(m.conversation(partner))
		if !ok {
			return m, nil
		}
		ctl := m.ctl
		return m, func() tea.Msg {
			if _, err := ctl.Resend(context.Background(), partner, failed.ID); err != nil {
				return actionErrorMsg{err}
			}
			return nil
		}
	case key.Matches(msg, m.keys.PageUp):
		m.viewport.HalfViewUp()
		return m, nil
	case key.Matches(msg, m.keys.PageDown):
		m.viewport.HalfViewDown()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// refresh re-reads the session and re-renders what depends on it.
func (m *Model) refresh() {
	m.snap = m.ctl.Snapshot()
	if m.cursor >= len(m.snap.Conversations) {
		m.cursor = len(m.snap.Conversations) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	m.renderConversation()
}

func (m *Model) layout() {
	w := m.width - 4
	if w < 20 {
		w = 20
	}
	h := m.height - 8
	if h < 3 {
		h = 3
	}
	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 4
	m.renderConversation()
}

func (m Model) conversation(partnerID string) chat.Conversation {
	for _, c := range m.snap.Conversations {
		if c.Partner.ID == partnerID {
			return c
		}
	}
	return chat.Conversation{}
}

func (m Model) hasPending() bool {
	if m.snap.Selected == "" {
		return false
	}
	for _, msg := range m.conversation(m.snap.Selected).Messages {
		if msg.State == chat.StatePending {
			return true
		}
	}
	return false
}

func lastFailed(c chat.Conversation) (chat.Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].State == chat.StateFailed {
			return c.Messages[i], true
		}
	}
	return chat.Message{}, false
}

func describe(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotConnected):
		return "not connected to the chat broker"
	case errors.Is(err, chat.ErrNoSession):
		return "sign in to chat"
	case errors.Is(err, chat.ErrUnknownUser):
		return "no such user"
	default:
		return err.Error()
	}
}
