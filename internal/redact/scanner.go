package redact

import (
	"regexp"
	"sort"
	"strings"
)

// PatternType identifies the category of sensitive data.
type PatternType string

const (
	PatternCred  PatternType = "CRED"
	PatternToken PatternType = "TOKEN"
	PatternKey   PatternType = "KEY"
	PatternEmail PatternType = "EMAIL"
)

// Match is a single occurrence of sensitive data in text.
type Match struct {
	Type  PatternType
	Value string
	Start int
	End   int
}

var (
	// Credentials: key=value pairs where key suggests a secret.
	credKVRe = regexp.MustCompile(`(?i)((?:password|passwd|secret|token|api_key|apikey|auth)[ \t]*[=:][ \t]*[^\s|]+)`)

	// GitHub tokens: classic, fine-grained, app installation and OAuth.
	ghTokenRe = regexp.MustCompile(`\b((?:gh[pousr]_[A-Za-z0-9]{36,})|(?:github_pat_[A-Za-z0-9_]{22,}))\b`)

	// Bearer tokens in command lines and headers.
	bearerRe = regexp.MustCompile(`(?i)\bbearer[ \t]+([A-Za-z0-9._~+/-]{16,}=*)`)

	// AWS access key IDs.
	awsKeyRe = regexp.MustCompile(`\b((?:AKIA|ASIA)[A-Z0-9]{16})\b`)

	// Email addresses.
	emailRe = regexp.MustCompile(`\b([a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})\b`)
)

// Scan finds all sensitive patterns in text and returns deduplicated matches
// sorted by position (earliest first).
func Scan(text string) []Match {
	seen := make(map[string]bool)
	var matches []Match

	add := func(typ PatternType, value string, start int) {
		value = strings.TrimRight(value, ".,;:\"'`)}]")
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		matches = append(matches, Match{Type: typ, Value: value, Start: start, End: start + len(value)})
	}

	// Tokens first so a token inside a key=value pair keeps its own type.
	for _, loc := range ghTokenRe.FindAllStringIndex(text, -1) {
		add(PatternToken, text[loc[0]:loc[1]], loc[0])
	}
	for _, sub := range bearerRe.FindAllStringSubmatchIndex(text, -1) {
		add(PatternToken, text[sub[2]:sub[3]], sub[2])
	}
	for _, loc := range awsKeyRe.FindAllStringIndex(text, -1) {
		add(PatternKey, text[loc[0]:loc[1]], loc[0])
	}
	for _, loc := range credKVRe.FindAllStringIndex(text, -1) {
		add(PatternCred, text[loc[0]:loc[1]], loc[0])
	}
	for _, loc := range emailRe.FindAllStringIndex(text, -1) {
		add(PatternEmail, text[loc[0]:loc[1]], loc[0])
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Start < matches[j].Start
	})
	return matches
}
