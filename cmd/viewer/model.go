package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
	"github.com/unklstewy/sim-traffic-hub/pkg/viewer"
)

// Messages delivered by the controller callbacks
type statusMsg viewer.Status
type snapshotMsg traffic.SnapshotMessage
type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	server    string
	transport string
	status    viewer.Status
	aircraft  []traffic.AircraftView
	updated   time.Time
	viewers   func() int
	plans     *traffic.PlanCache
	selected  int
	now       time.Time
}

func newModel(server, transport string, viewers func() int) model {
	return model{
		server:    server,
		transport: transport,
		status:    viewer.Status{State: viewer.Connecting},
		viewers:   viewers,
		plans:     traffic.NewPlanCache(128, 10*time.Minute),
		now:       time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.aircraft)-1 {
				m.selected++
			}
		}

	case statusMsg:
		m.status = viewer.Status(msg)

	case snapshotMsg:
		m.aircraft = msg.Aircraft
		sort.Slice(m.aircraft, func(i, j int) bool {
			return m.aircraft[i].ID < m.aircraft[j].ID
		})
		if m.selected >= len(m.aircraft) {
			m.selected = max(len(m.aircraft)-1, 0)
		}
		m.updated = m.now

	case tickMsg:
		m.now = time.Time(msg)
		return m, tick()
	}

	return m, nil
}

func (m model) View() string {
	var s strings.Builder

	// Header
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)
	s.WriteString(titleStyle.Render("SIM TRAFFIC VIEWER"))
	s.WriteString("\n\n")

	s.WriteString(m.renderStatus())
	s.WriteString("\n\n")
	s.WriteString(m.renderAircraftList())
	s.WriteString("\n\n")

	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	s.WriteString(helpStyle.Render("↑/↓: select  q: quit"))
	s.WriteString("\n")

	return s.String()
}

func (m model) renderStatus() string {
	var color lipgloss.Color
	switch m.status.State {
	case viewer.Connected:
		color = lipgloss.Color("46")
	case viewer.Connecting:
		color = lipgloss.Color("226")
	default:
		color = lipgloss.Color("196")
	}

	line := lipgloss.NewStyle().Foreground(color).Bold(true).Render(m.status.Countdown(m.now))
	line += fmt.Sprintf("  %s via %s", m.server, m.transport)

	if m.viewers != nil {
		if n := m.viewers(); n > 0 {
			line += fmt.Sprintf("  viewers: %d", n)
		}
	}
	if m.status.State == viewer.Disconnected && m.status.Err != nil {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
		line += "\n" + errStyle.Render("  "+m.status.Err.Error())
	}
	return line
}

func (m model) renderAircraftList() string {
	var list strings.Builder

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	list.WriteString(headerStyle.Render("Live Aircraft:"))
	list.WriteString(fmt.Sprintf(" (%d)", len(m.aircraft)))
	list.WriteString("\n\n")

	if len(m.aircraft) == 0 {
		list.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("  No aircraft reporting"))
		return list.String()
	}

	list.WriteString(fmt.Sprintf("  %-8s  %7s  %4s  %4s  %-11s  %-6s  %4s\n",
		"CALLSIGN", "ALT", "HDG", "SPD", "ROUTE", "NEXT", "AGE"))

	for i, ac := range m.aircraft {
		prefix := "  "
		if i == m.selected {
			prefix = "→ "
		}

		route := "-"
		if ac.Departure != "" || ac.Arrival != "" {
			route = fmt.Sprintf("%s→%s", orDash(ac.Departure), orDash(ac.Arrival))
		}

		age := max(ac.Age(m.now).Seconds(), 0)

		line := fmt.Sprintf("%s%-8s  %7.0f  %4.0f  %4.0f  %-11s  %-6s  %3.0fs",
			prefix,
			displayCallsign(ac),
			ac.DisplayAltitude(),
			ac.Heading,
			ac.Speed,
			route,
			m.nextWaypoint(ac),
			age,
		)

		ageStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
		if age > 10 {
			ageStyle = ageStyle.Foreground(lipgloss.Color("226"))
		}
		if age > 20 {
			ageStyle = ageStyle.Foreground(lipgloss.Color("196"))
		}
		if i == m.selected {
			ageStyle = ageStyle.Background(lipgloss.Color("237"))
		}

		list.WriteString(ageStyle.Render(line))
		list.WriteString("\n")

		if i == m.selected && ac.FlightNo != "" {
			fpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
			list.WriteString(fpStyle.Render(fmt.Sprintf("    Flight %s  squawk %s  vs %+.0f fpm\n",
				ac.FlightNo, orDash(ac.Squawk), ac.VerticalSpeed)))
		}
	}

	return list.String()
}

// nextWaypoint prefers the hub's computed active waypoint and falls back
// to the producer's own hint.
func (m model) nextWaypoint(ac traffic.AircraftView) string {
	if ac.ActiveWaypoint >= 0 {
		if wps := m.plans.Waypoints(ac.FlightPlan); ac.ActiveWaypoint < len(wps) {
			if ident := wps[ac.ActiveWaypoint].Ident; ident != "" {
				return ident
			}
		}
	}
	if ac.NextWaypoint != nil && *ac.NextWaypoint != "" {
		return *ac.NextWaypoint
	}
	return "-"
}

func displayCallsign(ac traffic.AircraftView) string {
	if ac.Callsign != "" {
		return ac.Callsign
	}
	return ac.ID
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
