package gcs

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/evolution-engine/internal/destination"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Bucket: "b", CredentialsFile: "/nonexistent/key.json"})
	assert.Error(t, err)
}

func TestObjectPrefix(t *testing.T) {
	s := NewWithClient(Config{Bucket: "b", Prefix: "/evolve/"}, nil)
	assert.Equal(t, "evolve/state/dna.json", s.object("state/dna.json"))
	assert.Equal(t, "gcs:b", s.ID())

	s = NewWithClient(Config{ID: "archive", Bucket: "b"}, nil)
	assert.Equal(t, "state/dna.json", s.object("state/dna.json"))
	assert.Equal(t, "archive", s.ID())
}

// Runs against fake-gcs-server or a real bucket when EVOLVE_TEST_GCS_BUCKET is set.
func TestStoreRoundTrip(t *testing.T) {
	bucket := os.Getenv("EVOLVE_TEST_GCS_BUCKET")
	if bucket == "" {
		t.Skip("EVOLVE_TEST_GCS_BUCKET not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{
		Bucket:          bucket,
		Prefix:          fmt.Sprintf("test-%d", time.Now().UnixNano()),
		CredentialsFile: os.Getenv("EVOLVE_TEST_GCS_CREDENTIALS"),
		Endpoint:        os.Getenv("EVOLVE_TEST_GCS_ENDPOINT"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.Get(ctx, "state/dna.json")
	require.ErrorIs(t, err, destination.ErrNotFound)

	require.NoError(t, s.Put(ctx, "state/dna.json", []byte(`{"v":1}`)))
	require.NoError(t, s.Put(ctx, "state/dna.json", []byte(`{"v":2}`)))
	got, err := s.Get(ctx, "state/dna.json")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(got))
}
