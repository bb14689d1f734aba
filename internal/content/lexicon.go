package content

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Term is a weighted lexicon entry.
type Term struct {
	Term   string  `yaml:"term" json:"term"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// Lexicon holds the spam and vague word tables. Order is significant: it is
// the order in which matches are reported.
type Lexicon struct {
	Spam  []Term `yaml:"spam_words" json:"spam_words"`
	Vague []Term `yaml:"vague_words" json:"vague_words"`
}

// DefaultLexicon returns the built-in tables.
func DefaultLexicon() *Lexicon {
	return &Lexicon{
		Spam: []Term{
			{"upvote pls", 1.0},
			{"pls upvote", 1.0},
			{"follow me", 1.0},
			{"check my profile", 0.9},
			{"dm me", 0.8},
			{"please upvote", 1.0},
			{"click my link", 0.9},
			{"vote me", 1.0},
			{"top post", 0.8},
			{"boost", 0.8},
			{"🔥", 0.4},
			{"💯", 0.4},
			{"wow", 0.3},
			{"lol", 0.2},
			{"this slaps", 0.4},
			{"facts", 0.3},
			{"check out my page", 0.9},
			{"drop an upvote", 1.0},
			{"karma needed", 1.0},
			{"link in bio", 0.9},
			{"upvote for upvote", 1.0},
			{"pls boost me", 0.9},
			{"check this out", 0.8},
			{"need votes", 1.0},
			{"support my post", 0.9},
			{"sub for sub", 1.0},
			{"f4f", 0.9},
			{"like4like", 0.9},
			{"comment4comment", 0.9},
		},
		Vague: []Term{
			{"nice", 0.6},
			{"cool", 0.6},
			{"good", 0.6},
			{"great", 0.6},
			{"awesome", 0.6},
			{"fire", 0.6},
			{"insane", 0.5},
			{"wild", 0.7},
			{"lit", 0.7},
			{"banger", 0.7},
			{"amazing", 0.5},
			{"sick", 0.6},
			{"dope", 0.7},
			{"based", 0.6},
		},
	}
}

// LoadLexicon reads a YAML lexicon file. Empty path returns DefaultLexicon.
// A table omitted from the file keeps its built-in contents.
func LoadLexicon(path string) (*Lexicon, error) {
	lex := DefaultLexicon()
	if path == "" {
		return lex, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	var file Lexicon
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse lexicon %s: %w", path, err)
	}
	if file.Spam != nil {
		lex.Spam = file.Spam
	}
	if file.Vague != nil {
		lex.Vague = file.Vague
	}
	if err := lex.Validate(); err != nil {
		return nil, fmt.Errorf("lexicon %s: %w", path, err)
	}
	return lex, nil
}

// Validate checks that every term is non-empty and weighted in [0, 1].
func (l *Lexicon) Validate() error {
	for _, table := range [][]Term{l.Spam, l.Vague} {
		for _, t := range table {
			if strings.TrimSpace(t.Term) == "" {
				return fmt.Errorf("empty term")
			}
			if t.Weight < 0 || t.Weight > 1 {
				return fmt.Errorf("term %q weight %v outside [0, 1]", t.Term, t.Weight)
			}
		}
	}
	return nil
}

// SpamMatches returns the spam terms found in text, in table order.
func (l *Lexicon) SpamMatches(text string) []Term {
	return matchTerms(text, l.Spam)
}

// VagueMatches returns the vague terms found in text, in table order.
func (l *Lexicon) VagueMatches(text string) []Term {
	return matchTerms(text, l.Vague)
}

// matchTerms reports each term contained in the lowercased text. Matching
// is plain substring containment, so "lit" also matches inside "literally".
func matchTerms(text string, terms []Term) []Term {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var out []Term
	for _, t := range terms {
		if strings.Contains(lower, strings.ToLower(t.Term)) {
			out = append(out, t)
		}
	}
	return out
}
