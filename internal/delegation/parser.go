package delegation

import (
	"regexp"
	"strings"
)

// Intent is one delegation extracted from an agent's free-form response.
type Intent struct {
	ToAgent string
	Task    string
}

// Patterns recognised in agent responses. The parser is a deliberate
// heuristic: the engine's correctness properties do not depend on its
// precision, only on the resulting intents passing the controller's checks.
var intentPatterns = []*regexp.Regexp{
	// @backend Please implement the API endpoints.
	regexp.MustCompile(`(?m)^\s*@([a-zA-Z][\w-]*)\s+(.+)$`),
	// DELEGATE TO backend: implement the API endpoints
	regexp.MustCompile(`(?im)^\s*delegate\s+to\s+([a-zA-Z][\w-]*)\s*:\s*(.+)$`),
	// Please ask backend to implement the API endpoints.
	regexp.MustCompile(`(?im)\bask\s+([a-zA-Z][\w-]*)\s+to\s+([^.\n]+)`),
}

// ParseIntents extracts delegation intents from an agent response.
// Duplicate (agent, task) pairs are collapsed, first occurrence wins.
func ParseIntents(response string) []Intent {
	var intents []Intent
	seen := make(map[string]struct{})

	for _, pattern := range intentPatterns {
		for _, m := range pattern.FindAllStringSubmatch(response, -1) {
			agent := strings.ToLower(strings.TrimSpace(m[1]))
			task := strings.TrimSpace(m[2])
			if agent == "" || task == "" {
				continue
			}
			key := agent + "\x00" + strings.ToLower(task)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			intents = append(intents, Intent{ToAgent: agent, Task: task})
		}
	}
	return intents
}
