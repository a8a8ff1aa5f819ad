package routing

import (
	"regexp"
	"strings"
)

// maxMentionNameLen matches the agent name length limit. Longer runs
// after an @ are not truncated into a shorter mention, they are
// ignored.
const maxMentionNameLen = 64

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// ParseMentions extracts @name tokens from message content. The server
// never trusts a client-supplied mention list; this is the only
// parser. Names are returned in first-appearance order, deduplicated
// case-insensitively with the original casing preserved.
func ParseMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var names []string
	for _, m := range matches {
		name := m[1]
		if len(name) > maxMentionNameLen {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, name)
	}
	return names
}
