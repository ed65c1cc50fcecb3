package capture

import (
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingCompressor struct{}

func (failingCompressor) Compress([]byte) ([]byte, error) { return nil, errors.New("unsupported") }
func (failingCompressor) Encoding() cnst.Encoding         { return cnst.EncodingGzip }

func sampleEvents(n int) []Event {
	events := make([]Event, n)
	for i := range events {
		events[i] = Event{Type: EventIncrementalSnapshot, Data: json.RawMessage(`{"source":1,"i":` + itoa(i) + `}`), Timestamp: int64(1000 + i)}
	}
	return events
}

func TestEncoder_Gzip(t *testing.T) {
	enc := NewEncoder(zap.NewNop(), GzipCompressor{})
	events := sampleEvents(5)

	seg, err := enc.Encode(events)
	require.NoError(t, err)
	assert.Equal(t, cnst.EncodingGzip, seg.Payload.Encoding())

	zr, err := gzip.NewReader(seg.Payload.Reader())
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	var decoded []Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, events, decoded)
}

func TestEncoder_NoCompressor(t *testing.T) {
	enc := NewEncoder(zap.NewNop(), nil)
	seg, err := enc.Encode(sampleEvents(2))
	require.NoError(t, err)
	assert.Equal(t, cnst.EncodingNone, seg.Payload.Encoding())
	assert.True(t, json.Valid(seg.Payload.Bytes()))
}

func TestEncoder_CompressionFailureFallsBack(t *testing.T) {
	enc := NewEncoder(zap.NewNop(), failingCompressor{})
	seg, err := enc.Encode(sampleEvents(2))
	require.NoError(t, err)
	assert.Equal(t, cnst.EncodingNone, seg.Payload.Encoding())
	assert.True(t, json.Valid(seg.Payload.Bytes()))
}

func TestEncoder_InvalidEventData(t *testing.T) {
	enc := NewEncoder(zap.NewNop(), nil)
	_, err := enc.Encode([]Event{{Data: json.RawMessage(`{broken`)}})
	assert.Error(t, err)
}

func TestPayload_BytesIsCopy(t *testing.T) {
	enc := NewEncoder(zap.NewNop(), nil)
	seg, err := enc.Encode(sampleEvents(1))
	require.NoError(t, err)

	b := seg.Payload.Bytes()
	b[0] = 'X'
	assert.NotEqual(t, b[0], seg.Payload.Bytes()[0])
}
