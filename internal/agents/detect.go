package agents

import (
	"strings"
	"unicode"

	"github.com/cloud-shuttle/switchboard/pkg/types"
)

var (
	frustratedWords = []string{
		"frustrated", "annoyed", "irritated", "fed up", "sick of", "ridiculous",
		"absurd", "waste of time", "joke", "pathetic", "unacceptable",
	}
	negativeWords = []string{
		"terrible", "awful", "horrible", "worst", "hate", "angry", "disappointed",
		"poor", "bad", "wrong", "broken", "useless", "not working", "unhappy",
	}
	positiveWords = []string{
		"great", "excellent", "amazing", "wonderful", "fantastic", "love", "perfect",
		"awesome", "satisfied", "happy", "pleased", "thank you", "thanks",
	}
	humanRequestWords = []string{
		"manager", "supervisor", "human", "real person", "representative",
		"speak to someone", "lawyer", "legal", "sue",
	}
)

// Normalize lowercases text and reduces it to space-separated words
func Normalize(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return strings.Join(fields, " ")
}

// ContainsPhrase reports whether normalized text contains phrase on word boundaries
func ContainsPhrase(normalized, phrase string) bool {
	return strings.Contains(" "+normalized+" ", " "+phrase+" ")
}

// MatchAny returns the first phrase found in text
func MatchAny(text string, phrases []string) (string, bool) {
	n := Normalize(text)
	for _, p := range phrases {
		if ContainsPhrase(n, p) {
			return p, true
		}
	}
	return "", false
}

// DetectSentiment classifies a customer message
func DetectSentiment(message string) types.Sentiment {
	if _, ok := MatchAny(message, frustratedWords); ok {
		return types.SentimentFrustrated
	}
	if _, ok := MatchAny(message, negativeWords); ok {
		return types.SentimentNegative
	}
	if _, ok := MatchAny(message, positiveWords); ok {
		return types.SentimentPositive
	}
	return types.SentimentNeutral
}

// RequestsHuman reports whether a message asks for a person or threatens action
func RequestsHuman(message string) bool {
	_, ok := MatchAny(message, humanRequestWords)
	return ok
}
