package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/johndauphine/pipeline-state/internal/checkpoint"
)

var (
	// Colors
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorRed       = lipgloss.Color("#FF4141")
	colorYellow    = lipgloss.Color("#F2C94C")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")
	colorWhite     = lipgloss.Color("#FFFFFF")
	colorBlue      = lipgloss.Color("#007BFF")

	// Status Bar Styles
	styleStatusBar = lipgloss.NewStyle().
			Height(1).
			Foreground(colorWhite)

	styleStatusRun = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorBlue).
			Padding(0, 1).
			Bold(true)

	styleStatusWindow = lipgloss.NewStyle().
				Foreground(colorWhite).
				Background(colorPurple).
				Padding(0, 1)

	styleStatusText = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorGray).
			Padding(0, 1)

	// Viewport Styles
	styleViewport = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	styleSection = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			MarginTop(1)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	styleSuccess = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	styleWarning = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	styleRunning = lipgloss.NewStyle().
			Foreground(colorBlue).
			Bold(true)

	styleMuted = lipgloss.NewStyle().
			Foreground(colorLightGray)
)

func pipelineStatusStyle(s checkpoint.PipelineStatus) lipgloss.Style {
	switch s {
	case checkpoint.PipelineCompleted:
		return styleSuccess
	case checkpoint.PipelinePartiallyCompleted:
		return styleWarning
	case checkpoint.PipelineFailed:
		return styleError
	case checkpoint.PipelineRunning:
		return styleRunning
	default:
		return styleMuted
	}
}

func extractionStatusStyle(s checkpoint.ExtractionStatus) lipgloss.Style {
	switch s {
	case checkpoint.ExtractionCompleted:
		return styleSuccess
	case checkpoint.ExtractionFailed:
		return styleError
	case checkpoint.ExtractionSkipped:
		return styleWarning
	case checkpoint.ExtractionRunning:
		return styleRunning
	default:
		return styleMuted
	}
}
