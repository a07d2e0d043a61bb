package utils

// MaskToken keeps the last three characters of a secret for log lines.
func MaskToken(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 6:
		return "***"
	}
	return "***" + s[len(s)-3:]
}
