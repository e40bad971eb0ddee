package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/3cpo-dev/nanorun/pkg/api"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	outcomeWidth = 12
)

func styleOutcome(o api.Outcome) string {
	s := lipgloss.NewStyle().Width(outcomeWidth)
	switch o {
	case api.OutcomeSucceeded:
		s = s.Inherit(okStyle)
	case api.OutcomeFailedSoft:
		s = s.Inherit(warnStyle)
	case api.OutcomeFailedFatal:
		s = s.Inherit(failStyle)
	default:
		s = s.Inherit(subtleStyle)
	}
	return s.Render(string(o))
}

func styleStatus(st api.RunStatus) string {
	s := lipgloss.NewStyle().Width(10)
	switch st {
	case api.RunSucceeded:
		s = s.Inherit(okStyle)
	case api.RunDegraded, api.RunRunning:
		s = s.Inherit(warnStyle)
	case api.RunFailed:
		s = s.Inherit(failStyle)
	}
	return s.Render(string(st))
}

func styleActive(active bool) string {
	s := lipgloss.NewStyle().Width(8)
	if active {
		return s.Inherit(okStyle).Render("run")
	}
	return s.Inherit(subtleStyle).Render("skip")
}
