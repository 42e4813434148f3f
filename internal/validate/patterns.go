package validate

import "regexp"

// dangerousPatterns are scanned against every payload string. They cover
// executable expressions and import-like directives, command injection,
// raw network directives, and meta-instructions that try to steer the
// components reading the data.
var dangerousPatterns = []*regexp.Regexp{
	// Executable expressions and import-like directives.
	regexp.MustCompile(`\bimport\s+\w`),
	regexp.MustCompile(`\bfrom\s+\w+\s+import\b`),
	regexp.MustCompile(`__import__\(`),
	regexp.MustCompile(`\bexec\(`),
	regexp.MustCompile(`\beval\(`),
	regexp.MustCompile(`os\.system\(`),
	regexp.MustCompile(`subprocess\.`),

	// Command injection.
	regexp.MustCompile(`\brm\s+-rf?\b`),
	regexp.MustCompile("`[^`]+`"),
	regexp.MustCompile(`\$\([^)]*\)`),
	regexp.MustCompile(`\|\s*(sh|bash|zsh)\b`),
	regexp.MustCompile(`;\s*(sudo|chmod|chown)\b`),

	// Raw network directives.
	regexp.MustCompile(`\b(curl|wget)\s+-?\S*\s*https?://`),
	regexp.MustCompile(`\bnc\s+-l?\b`),

	// Meta-instructions smuggled as data.
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior)\s+(instructions?|prompts?)`),
	regexp.MustCompile(`(?i)disregard\s+(your|the|all)\s+\w*\s*instructions?`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\b`),
	regexp.MustCompile(`(?i)system\s*prompt\s*:`),
}

// matchDangerous returns the first dangerous pattern a string matches,
// or "" if the string is clean. Patterns are checked in a fixed order so
// the reported reason is stable.
func matchDangerous(s string) string {
	for _, re := range dangerousPatterns {
		if re.MatchString(s) {
			return re.String()
		}
	}
	return ""
}
