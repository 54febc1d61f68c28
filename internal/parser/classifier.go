// Package parser classifies fetched bodies as a CAP alert, an index of
// further URLs, or neither.
package parser

import (
	"errors"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
	"github.com/JakeFAU/cap-mirror/internal/parser/cap"
	"github.com/JakeFAU/cap-mirror/internal/parser/index"
)

// DocumentParser parses a single alert document.
type DocumentParser interface {
	Parse(body []byte) (*mirror.Alert, []string, error)
}

// IndexParser parses an index into child URLs.
type IndexParser interface {
	Parse(body []byte) ([]string, error)
}

// Classifier tries the body as an alert first and falls back to an index
// only when the alert parser reports mirror.ErrNotADocument.
type Classifier struct {
	documents DocumentParser
	indexes   IndexParser
}

// NewClassifier builds a Classifier from the CAP and gofeed parsers.
func NewClassifier() *Classifier {
	return NewClassifierWith(cap.New(), index.New())
}

// NewClassifierWith builds a Classifier from explicit parsers.
func NewClassifierWith(documents DocumentParser, indexes IndexParser) *Classifier {
	return &Classifier{documents: documents, indexes: indexes}
}

// Classify implements mirror.Classifier.
func (c *Classifier) Classify(_ string, body []byte) mirror.ParseOutcome {
	alert, parseErrors, err := c.documents.Parse(body)
	if err == nil {
		return mirror.DocumentOutcome(alert, parseErrors)
	}
	if !errors.Is(err, mirror.ErrNotADocument) {
		return mirror.MalformedOutcome(err)
	}
	urls, err := c.indexes.Parse(body)
	if err != nil {
		return mirror.MalformedOutcome(err)
	}
	return mirror.IndexOutcome(urls)
}
