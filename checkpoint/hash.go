package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// canonicalHash computes the SHA-256 hex digest of doc with the "hash" key
// removed. encoding/json sorts map keys when marshaling map[string]any, so
// this is deterministic regardless of the order keys were read in —
// exactly the "canonical JSON of all fields except hash" the write/read
// protocol requires.
func canonicalHash(doc map[string]interface{}) (string, error) {
	clone := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == "hash" {
			continue
		}
		clone[k] = v
	}

	data, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// toDoc converts a Checkpoint into its generic map representation, the form
// used for canonical hashing and on-disk storage.
func toDoc(ckpt Checkpoint) (map[string]interface{}, error) {
	raw, err := json.Marshal(ckpt)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// fromDoc decodes the known fields of doc into a Checkpoint. Unknown
// top-level keys are preserved in doc itself but not exposed on Checkpoint;
// callers that need forward-compatible round-tripping should keep the doc.
func fromDoc(doc map[string]interface{}) (Checkpoint, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return Checkpoint{}, err
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(raw, &ckpt); err != nil {
		return Checkpoint{}, err
	}
	return ckpt, nil
}
