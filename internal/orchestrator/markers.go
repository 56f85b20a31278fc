package orchestrator

import "strings"

// Completion markers. They are matched as case-sensitive substrings of the
// accumulated assistant text of a turn.
const (
	CompletionMarker = "<promise>COMPLETE</promise>"
	PlanReadyMarker  = "<promise>PLAN_READY</promise>"
)

// HasCompletionMarker reports whether text signals task completion.
func HasCompletionMarker(text string) bool {
	return strings.Contains(text, CompletionMarker)
}

// HasPlanReadyMarker reports whether text signals a finished plan.
func HasPlanReadyMarker(text string) bool {
	return strings.Contains(text, PlanReadyMarker)
}

// stripMarkers removes both markers and surrounding whitespace.
func stripMarkers(text string) string {
	text = strings.ReplaceAll(text, CompletionMarker, "")
	text = strings.ReplaceAll(text, PlanReadyMarker, "")
	return strings.TrimSpace(text)
}

// iterationSummary condenses a turn's output to its last non-blank line.
func iterationSummary(text string) string {
	lines := strings.Split(stripMarkers(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 200 {
			line = string(r[:200]) + "…"
		}
		return line
	}
	return ""
}
