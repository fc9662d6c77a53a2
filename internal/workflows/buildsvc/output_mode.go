// File: internal/workflows/buildsvc/output_mode.go
// Brief: Local progress rendering modes.

package buildsvc

import (
	"strings"
)

// OutputMode controls how sbctl build renders progress locally.
type OutputMode string

const (
	OutputModeTTY   OutputMode = "tty"
	OutputModeLogs  OutputMode = "logs"
	OutputModeQuiet OutputMode = "quiet"
)

// ResolveOutputMode falls back to logs when tty is requested without a
// terminal. Unknown values behave like auto.
func ResolveOutputMode(raw string, terminal bool) OutputMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "logs", "plain":
		return OutputModeLogs
	case "quiet":
		return OutputModeQuiet
	}
	if terminal {
		return OutputModeTTY
	}
	return OutputModeLogs
}

// progressMode maps the mode onto the BuildKit progress printer modes.
func (m OutputMode) progressMode() string {
	switch m {
	case OutputModeTTY:
		return "tty"
	case OutputModeQuiet:
		return "quiet"
	}
	return "plain"
}
