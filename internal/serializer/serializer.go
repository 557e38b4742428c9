// Package serializer defines the wire-codec seam between event enrichment,
// offline storage, and the batcher. Callers depend only on the Serializer
// interface; this package ships one reference implementation so the rest
// of the pipeline has something concrete to run against.
package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/dipatid/cpp-client-telemetry/internal/model"
)

// Serializer has two responsibilities at two different stages of the
// pipeline:
//
//   - SerializeEvent turns one enriched event into the opaque bytes a
//     StorageRecord persists as its blob.
//   - SerializeBatch combines the already-serialized blobs of the records
//     a batch groups together into the single opaque wire blob an
//     UploadContext carries as its request body.
type Serializer interface {
	SerializeEvent(e *model.Event) (blob []byte, err error)
	SerializeBatch(blobs [][]byte) (blob []byte, contentType string, err error)
}

// JSONSerializer is the reference Serializer implementation: each event
// becomes a JSON object, and a batch becomes a JSON array of its already-
// encoded member blobs.
type JSONSerializer struct{}

func (JSONSerializer) SerializeEvent(e *model.Event) ([]byte, error) {
	blob, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("serializer: marshal event: %w", err)
	}
	return blob, nil
}

func (JSONSerializer) SerializeBatch(blobs [][]byte) ([]byte, string, error) {
	raw := make([]json.RawMessage, len(blobs))
	for i, b := range blobs {
		raw[i] = b
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, "", fmt.Errorf("serializer: marshal batch: %w", err)
	}
	return blob, "application/json", nil
}
