package parser

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	c := NewClassifier()
	tests := []struct {
		name string
		body string
		kind mirror.OutcomeKind
		err  error
	}{
		{
			name: "alert",
			body: `<alert><identifier>x</identifier><sender>s</sender><sent>2009-10-01T00:00:00Z</sent>` +
				`<status>Actual</status><msgType>Alert</msgType><scope>Public</scope></alert>`,
			kind: mirror.OutcomeDocument,
		},
		{
			name: "rss index",
			body: `<rss version="2.0"><channel><title>t</title><item><link>http://a/1.xml</link></item></channel></rss>`,
			kind: mirror.OutcomeIndex,
		},
		{
			name: "html",
			body: `<html><body/></html>`,
			kind: mirror.OutcomeMalformed,
			err:  mirror.ErrIndexFormat,
		},
		{
			name: "two alerts",
			body: `<x><alert/><alert/></x>`,
			kind: mirror.OutcomeMalformed,
			err:  mirror.ErrDocumentFormat,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := c.Classify("u", []byte(tt.body))
			require.Equal(t, tt.kind, out.Kind)
			if tt.err != nil {
				require.ErrorIs(t, out.Err, tt.err)
			} else {
				require.NoError(t, out.Err)
			}
		})
	}
}

func TestClassifyDocumentCarriesParseErrors(t *testing.T) {
	t.Parallel()

	out := NewClassifier().Classify("u", []byte(`<alert><identifier>x</identifier></alert>`))
	require.Equal(t, mirror.OutcomeDocument, out.Kind)
	require.NotNil(t, out.Alert)
	require.Contains(t, out.ParseErrors, "No alert.info nodes")
}

func TestClassifyIndexURLs(t *testing.T) {
	t.Parallel()

	out := NewClassifier().Classify("u", []byte(`<feed xmlns="http://www.w3.org/2005/Atom"><title>t</title>`+
		`<entry><link href="a"/></entry><entry><link href="b"/></entry><entry><link href="c"/></entry></feed>`))
	require.Equal(t, mirror.OutcomeIndex, out.Kind)
	require.Equal(t, []string{"a", "b", "c"}, out.URLs)
}
