package shellparse

import (
	"os"
	"strings"
	"sync"
)

// shellProbeList is the deterministic search order for a real shell used
// when a command falls outside the supported subset.
var shellProbeList = []string{"/bin/sh", "/usr/bin/sh", "/bin/bash", "/usr/bin/bash"}

var (
	findShellOnce sync.Once
	foundShell    string
)

// FindShell returns the first shell from the probe list that exists on
// this host. The probe runs once per process.
func FindShell() string {
	findShellOnce.Do(func() {
		for _, candidate := range shellProbeList {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				foundShell = candidate
				return
			}
		}
		foundShell = "/bin/sh" // let spawn report the failure
	})
	return foundShell
}

// shellKeywords disqualify a command from in-process execution when they
// appear in command position.
var shellKeywords = map[string]bool{
	"if": true, "then": true, "elif": true, "else": true, "fi": true,
	"for": true, "while": true, "until": true, "do": true, "done": true,
	"case": true, "esac": true, "function": true, "select": true,
}

// NeedsRealShell reports whether command uses constructs outside the
// supported subset and must run under a real shell. This is a fast
// quote-aware pre-scan, not a parse: common pipelines stay in-process and
// everything exotic (expansions, heredocs, globs, backgrounding, control
// flow, assignments) is delegated.
func NeedsRealShell(command string) bool {
	var inSingle, inDouble bool
	atCommandStart := true
	wordStart := -1

	flushWord := func(end int) bool {
		if wordStart < 0 {
			return false
		}
		word := command[wordStart:end]
		defer func() { wordStart = -1 }()

		if atCommandStart {
			if shellKeywords[word] {
				return true
			}
			if isAssignmentPrefix(word) {
				return true
			}
			atCommandStart = false
		}
		return false
	}

	for i := 0; i < len(command); i++ {
		ch := command[i]

		if inSingle {
			if ch == '\'' {
				inSingle = false
			}
			continue
		}

		if inDouble {
			switch ch {
			case '"':
				inDouble = false
			case '$', '`':
				return true // expansion inside double quotes
			case '\\':
				i++
			}
			continue
		}

		switch ch {
		case '\'':
			inSingle = true
			if wordStart < 0 {
				wordStart = i
			}
			atCommandStart = false
		case '"':
			inDouble = true
			if wordStart < 0 {
				wordStart = i
			}
			atCommandStart = false
		case '\\':
			if wordStart < 0 {
				wordStart = i
			}
			i++
		case '$', '`', '~':
			return true
		case '*', '?', '[':
			return true // glob
		case '{':
			return true // brace expansion
		case '&':
			// && is in the subset; &> is a redirect; lone & backgrounds.
			if i+1 < len(command) && (command[i+1] == '&' || command[i+1] == '>') {
				if flushWord(i) {
					return true
				}
				if command[i+1] == '&' {
					atCommandStart = true
				}
				i++
				continue
			}
			return true
		case '<':
			if i+1 < len(command) && (command[i+1] == '<' || command[i+1] == '(') {
				return true // heredoc or process substitution
			}
			if flushWord(i) {
				return true
			}
		case '>':
			if i+1 < len(command) && command[i+1] == '(' {
				return true // process substitution
			}
			if flushWord(i) {
				return true
			}
			// >& duplicates an fd (2>&1, >&2); consume the '&' so it is
			// not mistaken for backgrounding.
			if i+1 < len(command) && command[i+1] == '&' {
				i++
			}
		case '|', ';', '(', ')':
			if flushWord(i) {
				return true
			}
			atCommandStart = true
			if ch == '|' && i+1 < len(command) && command[i+1] == '|' {
				i++
			}
		case ' ', '\t', '\r', '\n':
			if flushWord(i) {
				return true
			}
		default:
			if wordStart < 0 {
				wordStart = i
			}
		}
	}

	if inSingle || inDouble {
		return true // unterminated quote; let the real shell report it
	}
	return flushWord(len(command))
}

// isAssignmentPrefix reports whether word looks like NAME=value in
// command position.
func isAssignmentPrefix(word string) bool {
	eq := strings.IndexByte(word, '=')
	if eq <= 0 {
		return false
	}
	name := word[:eq]
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if i == 0 && !isNameStart(ch) {
			return false
		}
		if i > 0 && !isNamePart(ch) {
			return false
		}
	}
	return true
}

func isNameStart(ch byte) bool {
	return ch == '_' || ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z')
}

func isNamePart(ch byte) bool {
	return isNameStart(ch) || ('0' <= ch && ch <= '9')
}
