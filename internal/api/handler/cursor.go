package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/proteinops/batchflow/internal/storage"
)

// Batch listing cursors are opaque to clients: the creation timestamp in
// nanoseconds and the job id, base64url-encoded so they survive query
// strings without escaping.

func EncodeBatchCursor(cursor *storage.BatchCursor) string {
	raw := strconv.FormatInt(cursor.CreatedAt.UnixNano(), 10) + "|" + cursor.JobID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeBatchCursor(value string) (*storage.BatchCursor, error) {
	if value == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor")
	}
	nanos, jobID, ok := strings.Cut(string(raw), "|")
	if !ok || jobID == "" {
		return nil, fmt.Errorf("malformed cursor")
	}
	createdAt, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor")
	}

	return &storage.BatchCursor{
		CreatedAt: time.Unix(0, createdAt),
		JobID:     jobID,
	}, nil
}
