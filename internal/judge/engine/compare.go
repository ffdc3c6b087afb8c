package engine

import "strings"

// NormalizeOutput applies the fixed output comparison policy: trailing
// whitespace is stripped from every line and trailing blank lines are
// dropped. Interior whitespace and line order stay significant. The policy
// is part of the engine's contract; AC/WA decisions depend on it.
func NormalizeOutput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// OutputsMatch compares actual program output against the expected output
// under the normalization policy.
func OutputsMatch(actual, expected string) bool {
	return NormalizeOutput(actual) == NormalizeOutput(expected)
}
