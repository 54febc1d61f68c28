package fetcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cap-mirror/internal/feeds"
	"github.com/JakeFAU/cap-mirror/internal/parser/index"
)

func TestRouterRendersFakeFeeds(t *testing.T) {
	t.Parallel()

	r := NewRouter(nil, "../..")
	cases := map[string][]string{
		feeds.FakeFeedURL1: {
			"testdata/fake1_cap1.xml", "testdata/fake1_cap2.xml", "testdata/fake1_cap3.xml",
		},
		feeds.FakeFeedURL2: {
			"testdata/fake2_cap1.xml", "testdata/fake2_cap2.xml", "testdata/fake2_cap3.xml",
			"testdata/fake2_cap4.xml", "testdata/fake2_cap5.xml",
		},
	}
	for url, want := range cases {
		body, err := r.Fetch(context.Background(), url)
		require.NoError(t, err)
		assert.Contains(t, string(body), `xmlns="http://www.w3.org/2005/Atom"`)

		links, err := index.New().Parse(body)
		require.NoError(t, err)
		assert.Equal(t, want, links)
	}
}

func TestRouterReadsTestdata(t *testing.T) {
	t.Parallel()

	r := NewRouter(nil, "../..")
	body, err := r.Fetch(context.Background(), "testdata/fake1_cap1.xml")
	require.NoError(t, err)
	assert.Contains(t, string(body), "fake1_cap1")

	_, err = r.Fetch(context.Background(), "testdata/missing.xml")
	require.Error(t, err)

	_, err = r.Fetch(context.Background(), "testdata/../go.mod")
	require.Error(t, err)
}

func TestRouterDelegatesToNetwork(t *testing.T) {
	t.Parallel()

	net := &fakeFetcher{body: []byte("remote")}
	r := NewRouter(net, "")
	body, err := r.Fetch(context.Background(), "https://alerts.example/feed")
	require.NoError(t, err)
	assert.Equal(t, "remote", string(body))
	assert.Equal(t, []string{"https://alerts.example/feed"}, net.urls)

	net.err = context.Canceled
	_, err = r.Fetch(context.Background(), "https://alerts.example/feed")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRouterWithoutNetwork(t *testing.T) {
	t.Parallel()

	_, err := NewRouter(nil, "").Fetch(context.Background(), "https://alerts.example/feed")
	require.True(t, errors.Is(err, ErrNoNetwork))
}

// --- fakes ---

type fakeFetcher struct {
	body []byte
	err  error
	urls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}
