package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

func TestParseRSS(t *testing.T) {
	t.Parallel()

	body := `<?xml version="1.0"?>
<rss version="2.0"><channel><title>t</title>
  <item><title>a</title><link>http://example.org/a.xml</link></item>
  <item><title>no link</title></item>
  <item><title>b</title><link> http://example.org/b.xml </link></item>
</channel></rss>`
	urls, err := New().Parse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, []string{"http://example.org/a.xml", "http://example.org/b.xml"}, urls)
}

func TestParseAtom(t *testing.T) {
	t.Parallel()

	body := `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom"><title>t</title>
  <entry><title>a</title><link href="http://example.org/a.xml"/></entry>
  <entry><title>b</title><link rel="alternate" href="http://example.org/b.xml"/></entry>
</feed>`
	urls, err := New().Parse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, []string{"http://example.org/a.xml", "http://example.org/b.xml"}, urls)
}

func TestParseEmptyIndex(t *testing.T) {
	t.Parallel()

	urls, err := New().Parse([]byte(`<feed xmlns="http://www.w3.org/2005/Atom"><title>t</title></feed>`))
	require.NoError(t, err)
	require.Empty(t, urls)
}

func TestParseRejectsOtherDocuments(t *testing.T) {
	t.Parallel()

	for _, body := range []string{
		`<html><body>hello</body></html>`,
		`<alert xmlns="urn:oasis:names:tc:emergency:cap:1.1"/>`,
		`not xml at all`,
	} {
		_, err := New().Parse([]byte(body))
		require.ErrorIs(t, err, mirror.ErrIndexFormat, body)
	}
}

func TestParseShippedIndexes(t *testing.T) {
	t.Parallel()

	want := map[string]int{
		"rss_feed1.xml":    2,
		"atom_feed1.xml":   3,
		"aquila_feed1.xml": 1,
		"parent_feed.xml":  2,
		"weather_feed.xml": 2,
	}
	for name, n := range want {
		body, err := os.ReadFile(filepath.Join("..", "..", "..", "testdata", name))
		require.NoError(t, err)
		urls, err := New().Parse(body)
		require.NoError(t, err, name)
		require.Len(t, urls, n, name)
	}
}
