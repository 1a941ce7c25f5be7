package notifier

import (
	"strings"
	"time"

	"signalcartel/internal/types"
)

const maxStructuredMessageLen = 3800

// MessageSection is one titled block of a notification.
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage is the common layout for chat notifications.
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// MessageFor lays out an alert for chat delivery.
func MessageFor(a Alert) StructuredMessage {
	title := a.Title
	if a.Instrument != "" && !strings.Contains(title, a.Instrument) {
		title = a.Instrument + " " + title
	}
	return StructuredMessage{
		Icon:      iconFor(a.Severity),
		Title:     title,
		Sections:  []MessageSection{{Title: a.Kind, Lines: a.Lines}},
		Timestamp: a.At,
	}
}

func iconFor(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "🚨"
	case types.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// RenderMarkdown builds the Markdown body, truncated to the chat limit.
func (m StructuredMessage) RenderMarkdown() string {
	var b strings.Builder
	header := strings.TrimSpace(m.Icon + " " + m.Title)
	if header != "" {
		b.WriteString(header + "\n\n")
	}
	if block := renderSections(m.Sections); block != "" {
		b.WriteString(block)
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(sanitize(footer))
		b.WriteString("\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("at " + m.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	body := strings.TrimSpace(b.String())
	if len(body) > maxStructuredMessageLen {
		body = body[:maxStructuredMessageLen] + "..."
	}
	return body
}

func renderSections(secs []MessageSection) string {
	var kept []MessageSection
	for _, sec := range secs {
		if lines := sanitizeLines(sec.Lines); len(lines) > 0 {
			kept = append(kept, MessageSection{Title: strings.TrimSpace(sec.Title), Lines: lines})
		}
	}
	if len(kept) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("```\n")
	for idx, sec := range kept {
		if sec.Title != "" {
			b.WriteString(sanitize(sec.Title))
			b.WriteString("\n")
		}
		for _, line := range sec.Lines {
			b.WriteString("- ")
			b.WriteString(sanitize(line))
			b.WriteString("\n")
		}
		if idx != len(kept)-1 {
			b.WriteString("\n")
		}
	}
	b.WriteString("```\n\n")
	return b.String()
}

func sanitizeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
