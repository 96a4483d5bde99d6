package executor

import (
	"os"
	"strings"
)

// reentrancyMarkers matches environment variable name substrings that would
// let the agent detect it is being re-entered by this program's own process
// tree (§4.3's environment sanitisation), mirroring the substring-scan idiom
// used for credential detection.
var reentrancyMarkers = []string{
	"TASKFORGE_",
	"AGENT_SESSION",
	"CLAUDE_CODE_SSE_PORT",
	"CLAUDECODE",
}

// telemetryMarkers matches environment variable name substrings that enable
// telemetry/analytics reporting by the agent.
var telemetryMarkers = []string{
	"TELEMETRY",
	"ANALYTICS",
	"DISABLE_AUTOUPDATER",
	"POSTHOG",
	"SENTRY",
}

// sanitizedEnv returns the parent process's environment filtered by an
// exclude-list: anything matching reentrancyMarkers or telemetryMarkers is
// dropped. This is an exclude-list over otherwise-inherited environment, not
// a fresh allow-list — the agent's own required inputs (API credentials)
// pass through untouched.
func sanitizedEnv() []string {
	parent := os.Environ()
	out := make([]string, 0, len(parent))
	for _, entry := range parent {
		key := entry
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			key = entry[:eq]
		}
		if matchesAny(key, reentrancyMarkers) || matchesAny(key, telemetryMarkers) {
			continue
		}
		out = append(out, entry)
	}
	// CLAUDE_CODE_ENTRYPOINT and similar re-entrant markers are set by the
	// agent itself on its own children, not by this program; disabling
	// telemetry explicitly covers agents that check for its absence rather
	// than its presence.
	out = append(out, "DISABLE_TELEMETRY=1")
	return out
}

func matchesAny(key string, markers []string) bool {
	upper := strings.ToUpper(key)
	for _, m := range markers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}
