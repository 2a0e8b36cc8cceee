package messaging

import "strings"

// ReplyKind classifies an inbound SMS body.
type ReplyKind string

const (
	ReplyAccept  ReplyKind = "ACCEPT"
	ReplyDecline ReplyKind = "DECLINE"
	ReplyUnknown ReplyKind = "UNKNOWN"
)

// Classifier matches reply bodies against the configured keyword sets,
// case-insensitively after trimming.
type Classifier struct {
	accept  map[string]struct{}
	decline map[string]struct{}
}

// NewClassifier builds a classifier. Empty keyword lists fall back to the
// defaults (YES/Y/ACCEPT and NO/N/DECLINE).
func NewClassifier(acceptWords, declineWords []string) *Classifier {
	if len(acceptWords) == 0 {
		acceptWords = []string{"YES", "Y", "ACCEPT"}
	}
	if len(declineWords) == 0 {
		declineWords = []string{"NO", "N", "DECLINE"}
	}
	return &Classifier{
		accept:  keywordSet(acceptWords),
		decline: keywordSet(declineWords),
	}
}

func keywordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.ToUpper(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

// Classify maps a raw SMS body to ACCEPT, DECLINE, or UNKNOWN.
func (c *Classifier) Classify(body string) ReplyKind {
	normalized := strings.ToUpper(strings.TrimSpace(body))
	if normalized == "" {
		return ReplyUnknown
	}
	if _, ok := c.accept[normalized]; ok {
		return ReplyAccept
	}
	if _, ok := c.decline[normalized]; ok {
		return ReplyDecline
	}
	return ReplyUnknown
}
