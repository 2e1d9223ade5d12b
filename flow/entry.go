package flow

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Entry decides which customer messages start the flow on a conversation
// with no active instance. A flow without an Entry only starts on request.
type Entry struct {
	Any      bool     `json:"any,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
	Priority int      `json:"priority,omitempty"`

	re *regexp.Regexp
}

// EntryFinder lists the latest active version of every flow that declares
// an Entry.
type EntryFinder interface {
	FindActiveByEntry(ctx context.Context) ([]*Graph, error)
}

// Compile prepares the pattern. Build calls it.
func (e *Entry) Compile() error {
	if e.Pattern == "" {
		e.re = nil
		return nil
	}
	re, err := regexp.Compile("(?i)" + e.Pattern)
	if err != nil {
		return ErrInvalidFlow().WithDetail("entry_pattern", e.Pattern).WithDetail("error", err.Error())
	}
	e.re = re
	return nil
}

func (e *Entry) empty() bool {
	return !e.Any && len(e.Keywords) == 0 && e.Pattern == ""
}

// Matches reports whether text starts the flow. Keywords match whole words,
// ignoring case and punctuation.
func (e *Entry) Matches(text string) bool {
	if e.Any {
		return true
	}
	norm := normalizeWords(text)
	if norm != "" {
		padded := " " + norm + " "
		for _, kw := range e.Keywords {
			k := normalizeWords(kw)
			if k != "" && strings.Contains(padded, " "+k+" ") {
				return true
			}
		}
	}
	if e.Pattern != "" {
		if e.re == nil {
			if err := e.Compile(); err != nil {
				return false
			}
		}
		return e.re.MatchString(text)
	}
	return false
}

func normalizeWords(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(words, " ")
}

// MatchEntry picks the flow that text starts: highest priority first, then
// the lowest flow id. It returns nil when no entry matches.
func MatchEntry(graphs []*Graph, text string) *Graph {
	var matching []*Graph
	for _, g := range graphs {
		if g.Entry != nil && g.Entry.Matches(text) {
			matching = append(matching, g)
		}
	}
	if len(matching) == 0 {
		return nil
	}
	sort.SliceStable(matching, func(i, j int) bool {
		if matching[i].Entry.Priority != matching[j].Entry.Priority {
			return matching[i].Entry.Priority > matching[j].Entry.Priority
		}
		return matching[i].ID < matching[j].ID
	})
	return matching[0]
}
