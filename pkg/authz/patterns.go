package authz

import "regexp"

// dangerPattern pairs a compiled matcher with the label reported in
// denial reasons.
type dangerPattern struct {
	label string
	re    *regexp.Regexp
}

// dangerPatterns are checked against every string-typed argument value,
// recursively through nested objects and arrays. A single match denies
// the call.
var dangerPatterns = []dangerPattern{
	{"sql injection", regexp.MustCompile(`(?i)('\s*(or|and)\s+'?\d+'?\s*=\s*'?\d+|;\s*drop\s+table|union\s+select|--\s*$)`)},
	{"script injection", regexp.MustCompile(`(?i)<\s*script[\s>]`)},
	{"path traversal", regexp.MustCompile(`\.\./\.\.(/|$)|(^|/)\.\./`)},
	{"destructive shell command", regexp.MustCompile(`(?i)(rm\s+-rf\s+/|mkfs\.|dd\s+if=.*of=/dev/|:\(\)\s*\{\s*:\|:&\s*\};:|>\s*/dev/sd)`)},
}

// scanArguments walks an argument map and reports the first string
// value matching a danger pattern.
func scanArguments(args map[string]interface{}) (pattern, value string, hit bool) {
	for _, v := range args {
		if p, s, ok := scanValue(v); ok {
			return p, s, true
		}
	}
	return "", "", false
}

func scanValue(v interface{}) (pattern, value string, hit bool) {
	switch tv := v.(type) {
	case string:
		for _, p := range dangerPatterns {
			if p.re.MatchString(tv) {
				return p.label, truncate(tv, 80), true
			}
		}
	case map[string]interface{}:
		return scanArguments(tv)
	case []interface{}:
		for _, item := range tv {
			if p, s, ok := scanValue(item); ok {
				return p, s, true
			}
		}
	}
	return "", "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
