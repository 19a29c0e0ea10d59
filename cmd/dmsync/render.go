package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ecclesia-hub/dmsync"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	unreadStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	openStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	selfStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	toastStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	pendingLabel = mutedStyle.Render(" (sending…)")
)

// renderConversations draws the list view, most recent first.
func renderConversations(convs []dmsync.Conversation, self, openID string, now time.Time, width int) string {
	if width <= 0 {
		width = 80
	}
	title := titleStyle.Render("Conversations")
	if total := unreadTotal(convs); total > 0 {
		title += unreadStyle.Render(fmt.Sprintf("  %d unread", total))
	}
	if len(convs) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, mutedStyle.Render("No conversations yet."))
	}

	rows := []string{title}
	for _, c := range convs {
		name := displayName(c.Counterpart(self))
		marker := "  "
		if c.ID == openID {
			marker = openStyle.Render("▸ ")
		}
		badge := ""
		if c.UnreadCount > 0 {
			badge = unreadStyle.Render(fmt.Sprintf(" [%d]", c.UnreadCount))
			name = unreadStyle.Render(name)
		}
		when := mutedStyle.Render(relativeTime(now, c.LastMessageAt))
		head := marker + name + badge + "  " + when
		preview := mutedStyle.Render("    " + truncate(c.Preview, width-4))
		rows = append(rows, head, preview)
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// renderMessages draws the message pane of the split view.
func renderMessages(conv dmsync.Conversation, msgs []dmsync.Message, self string, width int) string {
	if width <= 0 {
		width = 80
	}
	title := titleStyle.Render(displayName(conv.Counterpart(self)))
	if len(msgs) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, mutedStyle.Render("No messages."))
	}
	rows := []string{title}
	for _, m := range msgs {
		stamp := mutedStyle.Render(m.CreatedAt.Local().Format("15:04"))
		var who string
		if m.SenderID == self {
			who = selfStyle.Render("you")
		} else {
			p, _ := conv.Participant(m.SenderID)
			if p.ID == "" {
				p.ID = m.SenderID
			}
			who = titleStyle.Render(displayName(p))
		}
		line := stamp + " " + who + ": " + truncate(m.Body, width-lipgloss.Width(stamp)-lipgloss.Width(who)-3)
		if m.IsProvisional() {
			line += pendingLabel
		}
		rows = append(rows, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// renderNotification draws a toast.
func renderNotification(n dmsync.Notification) string {
	switch n.Kind {
	case dmsync.NotifySendFailed:
		msg := "Message not sent: " + truncate(n.Preview, 40)
		if n.Err != nil {
			msg += "\n" + n.Err.Error()
		}
		return toastStyle.BorderForeground(lipgloss.Color("9")).Render(errorStyle.Render(msg))
	default:
		from := valueOrDefault(n.SenderName, n.SenderID)
		return toastStyle.Render(titleStyle.Render(from) + "\n" + truncate(n.Preview, 60))
	}
}

func renderError(err error) string {
	return errorStyle.Render("error: " + err.Error())
}

func displayName(p dmsync.Participant) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.ID != "" {
		return p.ID
	}
	return "(unknown)"
}

func unreadTotal(convs []dmsync.Conversation) int {
	n := 0
	for _, c := range convs {
		n += c.UnreadCount
	}
	return n
}

// truncate shortens s to n runes, ending with an ellipsis when cut.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if n <= 0 {
		return ""
	}
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

func relativeTime(now, t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
	return t.Local().Format("Jan 2")
}
