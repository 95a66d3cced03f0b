// Package styles holds the lipgloss palette shared by the report and the
// watch view.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/imagebatch/internal/batch"
)

var (
	// Colors - all colors meet WCAG AA contrast (4.5:1) on both black and dark surfaces
	PrimaryColor   = lipgloss.Color("#A78BFA") // Purple
	SecondaryColor = lipgloss.Color("#10B981") // Green
	WarningColor   = lipgloss.Color("#F59E0B") // Amber
	ErrorColor     = lipgloss.Color("#F87171") // Red
	MutedColor     = lipgloss.Color("#9CA3AF") // Gray
	TextColor      = lipgloss.Color("#F9FAFB") // Light text
	BorderColor    = lipgloss.Color("#6B7280") // Gray
	BlueColor      = lipgloss.Color("#60A5FA") // Blue

	Primary   = lipgloss.NewStyle().Foreground(PrimaryColor)
	Secondary = lipgloss.NewStyle().Foreground(SecondaryColor)
	Warning   = lipgloss.NewStyle().Foreground(WarningColor)
	Error     = lipgloss.NewStyle().Foreground(ErrorColor)
	Muted     = lipgloss.NewStyle().Foreground(MutedColor)
	Text      = lipgloss.NewStyle().Foreground(TextColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor).
		MarginBottom(1)

	Label = lipgloss.NewStyle().
		Foreground(MutedColor).
		Width(14)

	// Section headers inside a report or view
	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(PrimaryColor).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(BorderColor)

	ContentBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(BorderColor).
			Padding(0, 1)

	HelpBar = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	ErrorMsg = lipgloss.NewStyle().
			Foreground(ErrorColor).
			Bold(true)

	SuccessMsg = lipgloss.NewStyle().
			Foreground(SecondaryColor).
			Bold(true)

	WarningMsg = lipgloss.NewStyle().
			Foreground(WarningColor).
			Bold(true)
)

// JobStateColor returns the color for a job state.
func JobStateColor(s batch.JobState) lipgloss.Color {
	switch s {
	case batch.JobSucceeded:
		return SecondaryColor
	case batch.JobRunning:
		return BlueColor
	case batch.JobFailed:
		return ErrorColor
	case batch.JobCancelled, batch.JobExpired:
		return WarningColor
	default:
		return MutedColor
	}
}

// JobStateIcon returns an icon for a job state.
func JobStateIcon(s batch.JobState) string {
	switch s {
	case batch.JobSucceeded:
		return "✓"
	case batch.JobRunning:
		return "●"
	case batch.JobFailed:
		return "✗"
	case batch.JobCancelled:
		return "⊘"
	case batch.JobExpired:
		return "⏰"
	default:
		return "○"
	}
}

// PhaseColor returns the color for a run phase.
func PhaseColor(p batch.Phase) lipgloss.Color {
	switch p {
	case batch.PhaseComplete:
		return SecondaryColor
	case batch.PhaseFailed:
		return ErrorColor
	case batch.PhasePlanning, batch.PhaseStaging, batch.PhaseStaged:
		return MutedColor
	default:
		return BlueColor
	}
}

// JobState renders a job state with its icon and color.
func JobState(s batch.JobState) string {
	return lipgloss.NewStyle().Foreground(JobStateColor(s)).Render(JobStateIcon(s) + " " + string(s))
}

// Phase renders a run phase in its color.
func Phase(p batch.Phase) string {
	return lipgloss.NewStyle().Foreground(PhaseColor(p)).Bold(true).Render(string(p))
}
