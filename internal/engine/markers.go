package engine

import (
	"strings"

	"aictl/internal/config"
)

// In-prompt markers override the configured execution mode for a single
// exchange. @plan additionally switches the agent.
const (
	markerQuick   = "@quick"
	markerAgentic = "@agentic"
	markerPlan    = "@plan"
)

// parseMarkers strips recognized marker tokens from the prompt and reports
// the mode they select and whether the planning agent was requested.
// Markers are matched as whole whitespace-delimited tokens; anything else
// containing "@" is left alone. The last marker wins when several are
// present.
func parseMarkers(prompt string) (cleaned string, mode config.Mode, modeSet bool, plan bool) {
	fields := strings.Fields(prompt)
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		switch f {
		case markerQuick:
			mode, modeSet = config.ModeQuick, true
		case markerAgentic:
			mode, modeSet = config.ModeAgentic, true
		case markerPlan:
			// Planning runs against the persistent server with the
			// configured planning agent.
			mode, modeSet = config.ModeAgentic, true
			plan = true
		default:
			kept = append(kept, f)
		}
	}
	cleaned = strings.Join(kept, " ")
	return cleaned, mode, modeSet, plan
}
