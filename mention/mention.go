package mention

import "regexp"

// a mention token is @ followed by a run of characters that are neither
// whitespace nor one of @.,!?;:
var token = regexp.MustCompile(`@([^\s@.,!?;:]+)`)

// Extract returns the de-duplicated mention names found in text, in order
// of first occurrence. Unmatched input yields nil.
func Extract(text string) []string {
	matches := token.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}
