// ABOUTME: TUI initialization and control
// ABOUTME: Wraps bubbletea program for player UI
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// NewModel creates a new TUI model bound to a volume control channel.
func NewModel(volumeCtrl *VolumeControl) Model {
	return Model{
		volume:     100,
		state:      "idle",
		volumeCtrl: volumeCtrl,
	}
}

// Run builds the TUI program without starting it; the caller starts it with
// p.Run and can pump StatusMsg updates into it via p.Send.
func Run(volumeCtrl *VolumeControl) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(volumeCtrl), tea.WithAltScreen())
	return p, nil
}
