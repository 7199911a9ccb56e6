package behavior

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var thinkTagRe = regexp.MustCompile(`(?s)<think>.*?</think>\s*`)

// parseGateJSON applies the same tolerant think-tag/markdown-fence
// stripping used throughout this codebase's LLM-facing JSON parsing.
func parseGateJSON(raw string, out interface{}) error {
	content := strings.TrimSpace(raw)
	content = thinkTagRe.ReplaceAllString(content, "")
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("parse gate json: %w", err)
	}
	return nil
}

func formatGatePrompt(history, newest string) string {
	return fmt.Sprintf(engagementGatePrompt, history, newest)
}
