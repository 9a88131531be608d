package flow

import (
	"strconv"
	"strings"

	"golang.org/x/text/width"
)

// normalize trims and folds full-width characters (１２３, ＹＥＳ) to ASCII.
func normalize(s string) string {
	return strings.TrimSpace(width.Narrow.String(strings.TrimSpace(s)))
}

// parseInt accepts digits with optional thousands separators and a trailing
// 円 or 個 unit.
func parseInt(s string) (int, bool) {
	s = normalize(s)
	s = strings.TrimSuffix(s, "円")
	s = strings.TrimSuffix(s, "個")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "､", "")
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Answer is a yes/no reply class.
type Answer int

const (
	AnswerOther Answer = iota
	AnswerYes
	AnswerNo
)

var (
	yesTokens = []string{"1", "yes", "はい", "ハイ"}
	noTokens  = []string{"2", "no", "いいえ", "イイエ"}
)

// ParseAnswer classifies a reply to a yes/no prompt. Latin tokens match
// case-insensitively.
func ParseAnswer(text string) Answer {
	t := normalize(text)
	// width.Narrow turns full-width katakana half-width; compare the original too.
	raw := strings.TrimSpace(text)
	for _, y := range yesTokens {
		if strings.EqualFold(t, y) || raw == y {
			return AnswerYes
		}
	}
	for _, n := range noTokens {
		if strings.EqualFold(t, n) || raw == n {
			return AnswerNo
		}
	}
	return AnswerOther
}
