// Package fetcher routes feed and alert URLs to the right source.
package fetcher

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/cap-mirror/internal/feeds"
	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// TestdataPrefix marks URLs served from the local testdata directory.
const TestdataPrefix = "testdata/"

const atomNamespace = "http://www.w3.org/2005/Atom"

// ErrNoNetwork is returned for remote URLs when the router has no network fetcher.
var ErrNoNetwork = errors.New("no network fetcher configured")

var fakeFeeds = map[string][]string{
	feeds.FakeFeedURL1: fakeAlertURLs("fake1", 3),
	feeds.FakeFeedURL2: fakeAlertURLs("fake2", 5),
}

// Router implements mirror.Fetcher. Fake feed URLs are rendered in memory,
// testdata/ URLs are read from disk and everything else goes to network.
type Router struct {
	network     mirror.Fetcher
	testdataDir string
}

// NewRouter builds a Router. testdataDir is the directory that contains testdata/.
func NewRouter(network mirror.Fetcher, testdataDir string) *Router {
	return &Router{network: network, testdataDir: testdataDir}
}

// Fetch returns the body behind url.
func (r *Router) Fetch(ctx context.Context, url string) ([]byte, error) {
	if links, ok := fakeFeeds[url]; ok {
		return RenderAtom(links)
	}
	if strings.HasPrefix(url, TestdataPrefix) {
		return r.readTestdata(url)
	}
	if r.network == nil {
		return nil, fmt.Errorf("fetch %s: %w", url, ErrNoNetwork)
	}
	body, err := r.network.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("network fetch: %w", err)
	}
	return body, nil
}

func (r *Router) readTestdata(url string) ([]byte, error) {
	rel := filepath.Clean(filepath.FromSlash(url))
	if !strings.HasPrefix(rel, filepath.Clean(TestdataPrefix)+string(filepath.Separator)) {
		return nil, fmt.Errorf("testdata path %q escapes testdata directory", url)
	}
	body, err := os.ReadFile(filepath.Join(r.testdataDir, rel))
	if err != nil {
		return nil, fmt.Errorf("read testdata: %w", err)
	}
	return body, nil
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Xmlns   string      `xml:"xmlns,attr"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Link atomLink `xml:"link"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
}

// RenderAtom returns a minimal ATOM index whose entries link to links.
func RenderAtom(links []string) ([]byte, error) {
	feed := atomFeed{Xmlns: atomNamespace}
	for _, l := range links {
		feed.Entries = append(feed.Entries, atomEntry{Link: atomLink{Href: l}})
	}
	body, err := xml.Marshal(feed)
	if err != nil {
		return nil, fmt.Errorf("render atom: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func fakeAlertURLs(prefix string, n int) []string {
	urls := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		urls = append(urls, fmt.Sprintf("%s%s_cap%d.xml", TestdataPrefix, prefix, i))
	}
	return urls
}
