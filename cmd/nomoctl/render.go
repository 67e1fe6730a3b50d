package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nomo-app/backend/internal/content"
	"github.com/nomo-app/backend/internal/progression"
)

var (
	colorBorder  = lipgloss.Color("#4b5563")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorLevelUp = lipgloss.Color("#22c55e")
	colorBar     = lipgloss.Color("#a855f7")
	colorWarning = lipgloss.Color("#d97706")

	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	styleTitle = lipgloss.NewStyle().
			Foreground(colorBright).
			Bold(true)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorDimmed).
			Width(10)

	styleValue = lipgloss.NewStyle().
			Foreground(colorBright)

	styleLevelUp = lipgloss.NewStyle().
			Foreground(colorLevelUp).
			Bold(true)

	styleBonus = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	styleBarFill  = lipgloss.NewStyle().Foreground(colorBar)
	styleBarEmpty = lipgloss.NewStyle().Foreground(colorBorder)
)

const barWidth = 24

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, styleLabel.Render(label), styleValue.Render(value))
}

func progressBar(percent float64) string {
	filled := int(percent / 100 * barWidth)
	filled = max(0, min(barWidth, filled))
	return styleBarFill.Render(strings.Repeat("█", filled)) +
		styleBarEmpty.Render(strings.Repeat("░", barWidth-filled))
}

func renderSnapshot(s *progression.Snapshot) string {
	level := fmt.Sprintf("%d / %d", s.CurrentLevel, s.MaxLevel)
	next := "max level"
	if s.CurrentLevel < s.MaxLevel {
		next = fmt.Sprintf("%d XP to go", s.XPToNextLevel)
	}

	lines := []string{
		styleTitle.Render("Nomo progress"),
		row("Level", level),
		row("XP", fmt.Sprintf("%d", s.TotalExperience)),
		row("Next", progressBar(s.LevelProgressPercent)+" "+next),
		row("World", s.ActiveWorldID),
		row("Worlds", strings.Join(s.UnlockedWorldIDs, ", ")),
		row("Creatures", fmt.Sprintf("%d unlocked", len(s.UnlockedContentIDs))),
		row("Focus", fmt.Sprintf("%d sessions, %.0f min", s.SessionCount, s.CumulativeFocusMinutes)),
	}
	if len(s.Milestones) > 0 {
		lines = append(lines, row("Milestones", strings.Join(s.Milestones, ", ")))
	}
	return stylePanel.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderAward(r *progression.AwardResult) string {
	lines := []string{
		styleTitle.Render(fmt.Sprintf("+%d XP", r.XPGained)),
	}
	if r.BonusTier != "" && r.BonusTier != content.TierNone {
		lines = append(lines, styleBonus.Render(fmt.Sprintf("%s bonus x%.2g (+%d)", r.BonusTier, r.BonusMultiplier, r.BonusXP)))
	}
	if r.SubscriptionMultiplier > 1 {
		lines = append(lines, row("Boost", fmt.Sprintf("x%.2g", r.SubscriptionMultiplier)))
	}
	if r.LeveledUp {
		lines = append(lines, styleLevelUp.Render(fmt.Sprintf("Level up! %d → %d", r.OldLevel, r.NewLevel)))
	}
	for _, u := range r.Unlocks {
		lines = append(lines, row("Unlocked", fmt.Sprintf("%s %s", u.Kind, u.Name)))
	}
	for _, m := range r.Milestones {
		lines = append(lines, row("Milestone", fmt.Sprintf("%s (+%d)", m.Name, m.XP)))
	}
	lines = append(lines, row("Total", fmt.Sprintf("%d XP", r.TotalExperience)))
	return stylePanel.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
