package redact

import "strings"

// Redact records every sensitive value found in text in tm and returns text
// with each value swapped for its token. Values already in tm from earlier
// calls are replaced too, so a multi-part report shares one map.
func Redact(text string, tm *TokenMap) string {
	for _, m := range Scan(text) {
		tm.Token(m.Type, m.Value)
	}
	if tm.Len() == 0 {
		return text
	}
	return tm.replacer(false).Replace(text)
}

// Detoken restores original values for every token in text.
func Detoken(text string, tm *TokenMap) string {
	if tm.Len() == 0 {
		return text
	}
	return tm.replacer(true).Replace(text)
}

// replacer builds a single-pass replacer. Longer values come first so a
// secret containing another is not split.
func (tm *TokenMap) replacer(reverse bool) *strings.Replacer {
	var pairs []string
	if reverse {
		for _, tok := range tm.Tokens() {
			pairs = append(pairs, tok, tm.reverse[tok])
		}
	} else {
		for _, val := range tm.Values() {
			pairs = append(pairs, val, tm.forward[val])
		}
	}
	return strings.NewReplacer(pairs...)
}
