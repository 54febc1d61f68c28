// Package index extracts alert links from RSS and ATOM indexes.
package index

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// Parser wraps a gofeed parser.
type Parser struct {
	feedParser *gofeed.Parser
}

// New creates a Parser.
func New() *Parser {
	return &Parser{feedParser: gofeed.NewParser()}
}

// Parse returns the link of every RSS item or ATOM entry, in document order.
// Entries without a link are skipped. Bodies that are neither RSS nor ATOM
// yield mirror.ErrIndexFormat.
func (p *Parser) Parse(body []byte) ([]string, error) {
	switch gofeed.DetectFeedType(bytes.NewReader(body)) {
	case gofeed.FeedTypeRSS, gofeed.FeedTypeAtom:
	default:
		return nil, fmt.Errorf("%w: unrecognized document type", mirror.ErrIndexFormat)
	}
	feed, err := p.feedParser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse error: %v", mirror.ErrIndexFormat, err)
	}
	if feed == nil {
		return nil, errors.Join(mirror.ErrIndexFormat, errors.New("empty feed"))
	}

	urls := make([]string, 0, len(feed.Items))
	for _, item := range feed.Items {
		if link := itemLink(item); link != "" {
			urls = append(urls, link)
		}
	}
	return urls, nil
}

// itemLink prefers the translated link and falls back to the first raw link,
// which for ATOM entries is the first <link href>.
func itemLink(item *gofeed.Item) string {
	if item == nil {
		return ""
	}
	if link := strings.TrimSpace(item.Link); link != "" {
		return link
	}
	for _, l := range item.Links {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return ""
}
