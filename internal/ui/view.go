package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/pelusa-v/forumchat/internal/chat"
)

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.statusLine())
	if !m.snap.PanelOpen {
		return b.String()
	}
	b.WriteString("\n")

	var body string
	switch {
	case m.mode == modePrompt:
		body = m.prompt.View() + "\n" + mutedStyle.Render(helpLine(m.keys.Select, m.keys.Back))
	case m.snap.Selected == "":
		body = m.listView()
	default:
		body = m.windowView()
	}
	if m.status != "" {
		body += "\n" + errorStyle.Render(m.status)
	}
	b.WriteString(panelStyle.Width(m.width - 2).Render(body))
	return b.String()
}

func (m Model) statusLine() string {
	var state string
	switch {
	case m.snap.UserID == "":
		state = "chat off (not signed in)"
	case !m.snap.Active:
		state = m.snap.UserID + " · offline"
	default:
		state = m.snap.UserID + " · online"
	}
	label := fmt.Sprintf("forumchat · %s · %d chats", state, len(m.snap.Conversations))
	return statusStyle.Render(label) + " " + mutedStyle.Render(helpLine(m.keys.Toggle, m.keys.Quit))
}

func (m Model) listView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Conversations"))
	b.WriteString("\n")
	if len(m.snap.Conversations) == 0 {
		b.WriteString(mutedStyle.Render("  no conversations yet"))
	}
	width := m.width - 8
	for i, c := range m.snap.Conversations {
		name := displayName(c.Partner)
		line := name
		if last, ok := c.Last(); ok {
			prefix := ""
			if last.FromID == m.snap.UserID {
				prefix = "you: "
			}
			room := width - runewidth.StringWidth(name) - 3
			if room > 3 {
				line += " · " + preview(prefix+last.Content, room)
			}
		}
		if i == m.cursor {
			b.WriteString(selectedItemStyle.Render("› " + line))
		} else {
			b.WriteString(itemStyle.Render(line))
		}
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render(helpLine(m.keys.Up, m.keys.Down, m.keys.Select, m.keys.Open)))
	return b.String()
}

func (m Model) windowView() string {
	c := m.conversation(m.snap.Selected)
	header := titleStyle.Render(displayName(c.Partner))
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.input.View(),
		mutedStyle.Render(helpLine(m.keys.Send, m.keys.Back, m.keys.Resend, m.keys.PageUp)),
	)
}

// renderConversation fills the viewport with the selected conversation and
// scrolls to the newest message.
func (m *Model) renderConversation() {
	if m.snap.Selected == "" {
		m.viewport.SetContent("")
		return
	}
	c := m.conversation(m.snap.Selected)
	var b strings.Builder
	for i, msg := range c.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		if msg.FromID == m.snap.UserID {
			b.WriteString(selfStyle.Render("you: "))
			b.WriteString(msg.Content)
			b.WriteString(" ")
			b.WriteString(statusIcon(msg.State, m.spinner.View()))
		} else {
			b.WriteString(partnerStyle.Render(displayName(c.Partner) + ": "))
			b.WriteString(msg.Content)
		}
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

// statusIcon renders the delivery state of an own message.
func statusIcon(s chat.State, pending string) string {
	switch s {
	case chat.StatePending:
		return pending
	case chat.StateFailed:
		return errorStyle.Render("!")
	case chat.StateDelivered:
		return mutedStyle.Render("✓")
	case chat.StateSeen:
		return selfStyle.Render("✓✓")
	}
	return ""
}

func displayName(p chat.Profile) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// preview cuts s to width display cells on one line.
func preview(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, width, "…")
}
