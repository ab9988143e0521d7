package pinecone

import (
	"errors"
	"testing"
	"time"

	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
)

func TestMetadataRoundTrip(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 500, time.UTC)
	in := &cache.Entry{
		ID:          "id-1",
		Key:         "doc",
		Value:       "hello",
		Metadata:    map[string]any{"lang": "go"},
		CreatedAt:   created,
		ExpiresAt:   created.Add(time.Hour),
		AccessCount: 7,
		SessionID:   "s",
		Importance:  0.9,
	}

	md, err := encodeMetadata(in)
	require.NoError(t, err)

	values := []float32{0.1, 0.2}
	out, err := decodeVector(&pinecone.Vector{Id: "doc", Values: &values, Metadata: md})
	require.NoError(t, err)
	assert.Equal(t, "doc", out.Key)
	assert.Equal(t, "id-1", out.ID)
	assert.Equal(t, "hello", out.Value)
	assert.Equal(t, "go", out.Metadata["lang"])
	assert.True(t, out.CreatedAt.Equal(created))
	assert.True(t, out.ExpiresAt.Equal(created.Add(time.Hour)))
	assert.Equal(t, int64(7), out.AccessCount)
	assert.Equal(t, 0.9, out.Importance)
	assert.Equal(t, values, out.Embedding)
}

func TestDecodeVector_ForeignVector(t *testing.T) {
	// Vectors written by other tools carry no entry metadata.
	out, err := decodeVector(&pinecone.Vector{Id: "raw"})
	require.NoError(t, err)
	assert.Equal(t, "raw", out.Key)
	assert.Nil(t, out.Value)
}

func TestParseTime(t *testing.T) {
	ts, err := parseTime("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(errors.New("HTTP 429 Too Many Requests")))
	assert.True(t, isRetryableError(errors.New("service unavailable")))
	assert.False(t, isRetryableError(errors.New("invalid api key")))
	assert.False(t, isRetryableError(nil))
}
