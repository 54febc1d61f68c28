package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<alert/>")
	uri, err := store.PutObject(context.Background(), "alerts/k/abc.xml", "application/xml", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://alerts/k/abc.xml", uri)

	payload[0] = 'X'
	stored, ok := store.Object("alerts/k/abc.xml")
	require.True(t, ok)
	require.Equal(t, "<alert/>", string(stored))

	_, err = store.PutObject(context.Background(), "", "", payload)
	require.Error(t, err)
}
