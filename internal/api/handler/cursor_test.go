package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/proteinops/batchflow/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchCursor_RoundTrip(t *testing.T) {
	in := &storage.BatchCursor{
		CreatedAt: time.Date(2026, 8, 1, 9, 30, 0, 123456789, time.UTC),
		JobID:     "7d9f6c1a-2b6e-4a29-9f4f-0d9f4a7f8e21",
	}

	out, err := DecodeBatchCursor(EncodeBatchCursor(in))
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.JobID, out.JobID)
}

func TestDecodeBatchCursor_EmptyMeansFirstPage(t *testing.T) {
	out, err := DecodeBatchCursor("")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDecodeBatchCursor_Malformed(t *testing.T) {
	encode := func(raw string) string {
		return base64.RawURLEncoding.EncodeToString([]byte(raw))
	}

	tests := []struct {
		name  string
		value string
	}{
		{name: "not base64", value: "%%%"},
		{name: "no separator", value: encode("1722504600000000000")},
		{name: "missing job id", value: encode("1722504600000000000|")},
		{name: "non-numeric timestamp", value: encode("yesterday|job-1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBatchCursor(tt.value)
			require.Error(t, err)
		})
	}
}
