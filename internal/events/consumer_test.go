package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/image-scan-pipeline/internal/scan"
)

func TestDecodeEvent(t *testing.T) {
	ev := scan.ContentStoredEvent{
		ContentKey: "abc123",
		ObjectKey:  "abc123.jpg",
		Size:       2048,
		StoredAt:   time.Now().UTC().Truncate(time.Second),
	}
	value, err := json.Marshal(ev)
	require.NoError(t, err)

	decoded, err := decodeEvent(value)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
}

func TestDecodeEventRejectsMalformed(t *testing.T) {
	_, err := decodeEvent([]byte("{broken"))
	assert.Error(t, err)
}

func TestDecodeEventRejectsMissingKeys(t *testing.T) {
	_, err := decodeEvent([]byte(`{"size": 10}`))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`{"content_key": "abc"}`))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`{"object_key": "abc.jpg"}`))
	assert.Error(t, err)
}
