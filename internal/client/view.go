package client

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	figure "github.com/common-nighthawk/go-figure"
)

var banner = buildBanner()

type styleSet struct {
	title         lipgloss.Style
	statusOnline  lipgloss.Style
	statusOffline lipgloss.Style
	label         lipgloss.Style
	value         lipgloss.Style
	present       lipgloss.Style
	absent        lipgloss.Style
	logLabel      lipgloss.Style
	logBody       lipgloss.Style
}

func buildStyles() styleSet {
	base := lipgloss.NewStyle()
	return styleSet{
		title:         base.Foreground(lipgloss.Color("13")).Bold(true),
		statusOnline:  base.Foreground(lipgloss.Color("10")).Bold(true),
		statusOffline: base.Foreground(lipgloss.Color("9")).Bold(true),
		label:         base.Foreground(lipgloss.Color("8")),
		value:         base.Foreground(lipgloss.Color("15")),
		present:       base.Foreground(lipgloss.Color("10")),
		absent:        base.Foreground(lipgloss.Color("8")),
		logLabel:      base.Foreground(lipgloss.Color("11")).Bold(true),
		logBody:       base.Foreground(lipgloss.Color("7")),
	}
}

func (a *App) View() string {
	var b strings.Builder
	b.WriteString(a.viewport.View())
	b.WriteString("\n")
	b.WriteString(a.styles.logLabel.Render("log"))
	b.WriteString(" ")
	b.WriteString(a.styles.logBody.Render(a.logLine))
	b.WriteString("\n")
	b.WriteString(a.statusLine())
	return b.String()
}

func (a *App) resizeViewport() {
	const fixed = 2
	height := a.height - fixed
	if height < 3 {
		height = 3
	}
	a.viewport.Height = height
	a.viewport.Width = a.width
}

func (a *App) refreshViewport() {
	if len(a.order) == 0 {
		a.viewport.SetContent(banner)
		return
	}
	a.viewport.SetContent(a.renderRoster())
}

func (a *App) renderRoster() string {
	var b strings.Builder
	b.WriteString(a.styles.title.Render("Guest list"))
	b.WriteString("\n\n")

	for _, id := range a.order {
		g, ok := a.guests[id]
		if !ok {
			continue
		}
		marker := a.styles.absent.Render("○")
		if g.present {
			marker = a.styles.present.Render("●")
		}
		line := fmt.Sprintf("%s %-24s", marker, g.firstName+" "+g.lastName)
		if g.room != "" {
			line += a.styles.label.Render(" room ") + a.styles.value.Render(g.room)
		}
		if g.role == "extern" {
			line += a.styles.label.Render(" (extern)")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) statusLine() string {
	status := "OFFLINE"
	style := a.styles.statusOffline
	if a.online {
		status = "ONLINE"
		style = a.styles.statusOnline
	}

	identity := "anonymous"
	if a.authorized {
		identity = strings.Join(a.capabilities, ",")
	}

	parts := []string{
		a.styles.title.Render("Stueble"),
		style.Render(status),
		a.styles.label.Render("as") + " " + a.styles.value.Render(identity),
		a.styles.label.Render("present") + " " + a.styles.value.Render(fmt.Sprintf("%d", a.presentCount())),
	}
	if a.motto != "" {
		parts = append(parts, a.styles.label.Render("motto")+" "+a.styles.value.Render(a.motto))
	}
	return strings.Join(parts, " | ")
}

func buildBanner() string {
	fig := figure.NewColorFigure("STUEBLE", "3-d", "purple", true)
	art := strings.TrimRight(fig.String(), "\n")
	info := []string{
		"Waiting for guest events.",
		"Press m for the motto, g for your entry pass, k for the verification key.",
		"Press q to quit.",
	}

	var b strings.Builder
	b.WriteString(art)
	b.WriteString("\n\n")
	b.WriteString(strings.Join(info, "\n"))
	return b.String()
}
