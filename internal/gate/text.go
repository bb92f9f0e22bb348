package gate

// #region imports
import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// #endregion

// #region refusal-patterns

var refusalPatterns = []string{
	"don't have enough information",
	"do not have enough information",
	"not enough information",
	"sources do not contain",
	"sources don't contain",
	"sources do not mention",
	"sources don't mention",
	"no information about",
	"unable to answer",
	"cannot answer",
	"can't answer",
	"not mentioned in the",
	"not covered in the",
}

// #endregion

// #region citations

var citationPattern = regexp.MustCompile(`(?i)\s*\[sources?\s+\d[^\]]*\]`)

// CleanAnswer strips [Source N] style citation markers, which would otherwise
// be scored as unsupported text.
func CleanAnswer(answer string) string {
	cleaned := citationPattern.ReplaceAllString(answer, "")
	return strings.TrimSpace(cleaned)
}

// #endregion

// #region refusal

// IsRefusal reports whether text declines to answer, using lowercase phrase
// matching after normalizing curly apostrophes.
func IsRefusal(text string, phrases []string) bool {
	lower := strings.ToLower(strings.ReplaceAll(text, "’", "'"))
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func dropRefusals(sentences, phrases []string) []string {
	claims := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if !IsRefusal(s, phrases) {
			claims = append(claims, s)
		}
	}
	return claims
}

// #endregion

// #region sentences

// SplitSentences cuts text after '.', '!' or '?' when followed by whitespace
// and drops fragments shorter than minLen runes.
func SplitSentences(text string, minLen int) []string {
	text = strings.TrimSpace(text)
	var out []string
	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := i + utf8.RuneLen(r)
		if next >= len(text) {
			break
		}
		nr, _ := utf8.DecodeRuneInString(text[next:])
		if !unicode.IsSpace(nr) {
			continue
		}
		out = appendSentence(out, text[start:next], minLen)
		start = next
	}
	return appendSentence(out, text[start:], minLen)
}

func appendSentence(out []string, s string, minLen int) []string {
	s = strings.TrimSpace(s)
	if s == "" || utf8.RuneCountInString(s) < minLen {
		return out
	}
	return append(out, s)
}

// #endregion
