package tools

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// Article is a knowledge base search result
type Article struct {
	Title   string  `json:"title" yaml:"title"`
	Content string  `json:"content" yaml:"content"`
	Score   float64 `json:"score" yaml:"-"`
}

// KnowledgeBase searches support articles. No match is an empty result, not an error.
type KnowledgeBase interface {
	SearchKnowledge(ctx context.Context, query string, limit int) ([]Article, error)
}

// MemoryKnowledgeBase scores articles by the share of query terms they contain
type MemoryKnowledgeBase struct {
	articles []Article
}

// NewMemoryKnowledgeBase creates a knowledge base over articles
func NewMemoryKnowledgeBase(articles ...Article) *MemoryKnowledgeBase {
	return &MemoryKnowledgeBase{articles: articles}
}

// SampleKnowledgeBase returns a knowledge base with common support articles
func SampleKnowledgeBase() *MemoryKnowledgeBase {
	return NewMemoryKnowledgeBase(
		Article{Title: "Restoring service after an outage", Content: "Restart your device, check the outage map, and reset network settings if there is still no signal."},
		Article{Title: "Slow data connection", Content: "Check your data plan usage, toggle airplane mode, and confirm the APN settings for a slow connection."},
		Article{Title: "Understanding your bill", Content: "Your invoice lists plan charges, taxes and one-time fees. Refunds for overcharged amounts appear on the next bill."},
		Article{Title: "Setting up auto pay", Content: "Enable auto pay from the billing page to have each payment charged on the due date."},
		Article{Title: "Upgrading your plan", Content: "Compare pricing for unlimited and premium plans and upgrade or add a new line online."},
	)
}

func (kb *MemoryKnowledgeBase) SearchKnowledge(ctx context.Context, query string, limit int) ([]Article, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var out []Article
	for _, a := range kb.articles {
		words := make(map[string]bool)
		for _, w := range tokenize(a.Title + " " + a.Content) {
			words[w] = true
		}
		hits := 0
		for _, t := range terms {
			if words[t] {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		a.Score = float64(hits) / float64(len(terms))
		out = append(out, a)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "is": true, "my": true, "i": true,
	"to": true, "of": true, "it": true, "for": true, "on": true, "in": true, "me": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}
