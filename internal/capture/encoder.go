package capture

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Compressor is the optional compression capability of the host
type Compressor interface {
	Compress(p []byte) ([]byte, error)
	Encoding() cnst.Encoding
}

// GzipCompressor compresses segments with gzip
type GzipCompressor struct {
	Level int
}

func (g GzipCompressor) Compress(p []byte) ([]byte, error) {
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(p); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GzipCompressor) Encoding() cnst.Encoding { return cnst.EncodingGzip }

// Payload is the immutable output of Encoder
type Payload struct {
	data     []byte
	encoding cnst.Encoding
}

func (p Payload) Len() int                { return len(p.data) }
func (p Payload) Encoding() cnst.Encoding { return p.encoding }
func (p Payload) Reader() io.Reader       { return bytes.NewReader(p.data) }

// Bytes returns a copy of the encoded segment
func (p Payload) Bytes() []byte {
	return bytes.Clone(p.data)
}

// Segment is one flush unit: drained events and their encoding
type Segment struct {
	Events  []Event
	Payload Payload
}

// Encoder serializes a batch of events into a segment payload
type Encoder struct {
	logger     *zap.Logger
	compressor Compressor
}

// NewEncoder creates an encoder. A nil compressor means the host has no
// compression support and payloads are sent as plain JSON.
func NewEncoder(logger *zap.Logger, compressor Compressor) *Encoder {
	return &Encoder{
		logger:     logger.Named("capture.encoder"),
		compressor: compressor,
	}
}

// Encode serializes events as a JSON array and tries to compress it.
// Compression failures fall back to the uncompressed bytes.
func (e *Encoder) Encode(events []Event) (Segment, error) {
	if events == nil {
		events = []Event{}
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return Segment{}, fmt.Errorf("marshal %d events: %w", len(events), err)
	}

	seg := Segment{Events: events, Payload: Payload{data: raw, encoding: cnst.EncodingNone}}
	if e.compressor == nil {
		return seg, nil
	}

	compressed, err := e.compressor.Compress(raw)
	if err != nil {
		e.logger.Debug("compression failed, sending uncompressed", zap.Error(err))
		return seg, nil
	}
	seg.Payload = Payload{data: compressed, encoding: e.compressor.Encoding()}
	return seg, nil
}
