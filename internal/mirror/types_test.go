package mirror

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShardKeyIsDeterministic(t *testing.T) {
	t.Parallel()

	started := time.Date(2011, 3, 4, 5, 6, 7, 123456000, time.UTC)
	crawl := Crawl{Started: started}

	key := ShardKey(crawl, "http://example.com/cap.xml")
	require.Equal(t, "CrawlShard 2011-03-04 05:06:07.123456 http://example.com/cap.xml", key)
	require.Equal(t, key, ShardKey(Crawl{Started: started, IsDone: true}, "http://example.com/cap.xml"))
	require.Equal(t, key, ShardKeyFor(crawl.Key(), "http://example.com/cap.xml"))
	require.NotEqual(t, key, ShardKey(Crawl{Started: started.Add(time.Microsecond)}, "http://example.com/cap.xml"))
}

func TestKeyTimeRoundTrip(t *testing.T) {
	t.Parallel()

	started := time.Date(2020, 1, 2, 3, 4, 5, 6000, time.FixedZone("x", 3600))
	parsed, err := ParseKeyTime(FormatKeyTime(started))
	require.NoError(t, err)
	require.True(t, parsed.Equal(started))
}

func TestFeedPeriodDefaults(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultCrawlPeriod, Feed{}.Period())
	require.Equal(t, 5*time.Minute, Feed{CrawlPeriod: 5 * time.Minute}.Period())

	feed := NewFeed("testdata/rss_feed1.xml")
	require.True(t, feed.IsRoot)
	require.True(t, feed.IsCrawlable)
}

func TestPageNormalize(t *testing.T) {
	t.Parallel()

	require.Equal(t, Page{Limit: DefaultPageLimit}, Page{Offset: -3}.Normalize())
	require.Equal(t, Page{Limit: 5, Offset: 10}, Page{Limit: 5, Offset: 10}.Normalize())
}

func TestIsControl(t *testing.T) {
	t.Parallel()

	require.True(t, IsControl(context.Canceled))
	require.True(t, IsControl(fmt.Errorf("fetch: %w", context.DeadlineExceeded)))
	require.False(t, IsControl(errors.New("boom")))
	require.False(t, IsControl(ErrNotADocument))
}

func TestOutcomeKindString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "document", DocumentOutcome(&Alert{}, nil).Kind.String())
	require.Equal(t, "index", IndexOutcome([]string{"a"}).Kind.String())
	require.Equal(t, "malformed", MalformedOutcome(ErrIndexFormat).Kind.String())
}
