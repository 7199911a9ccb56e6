package engine

import "regexp"

var overflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context length`),
	regexp.MustCompile(`(?i)context_length_exceeded`),
	regexp.MustCompile(`(?i)maximum context`),
	regexp.MustCompile(`(?i)too many tokens`),
	regexp.MustCompile(`(?i)prompt is too long`),
}

// isContextOverflow classifies a backend completion error as the
// ContextOverflow kind: triggers exactly one forced compaction + retry.
func isContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, re := range overflowPatterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}
