package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// gzipMagic is the two leading bytes of any gzip stream, used on read to
// detect compression without a separate flag field in the document.
var gzipMagic = []byte{0x1f, 0x8b}

// Create writes a new checkpoint for jobID and returns its id. The write is
// atomic: the document is fully assembled and hashed in memory, written to
// a temp file in the job's directory, fsynced, and renamed into place, with
// the directory itself fsynced afterward so the rename is durable.
func (m *Manager) Create(jobID string, payload Payload, metadata Metadata) (string, error) {
	lock := m.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	dir := m.jobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: creating job directory: %w", err)
	}

	seq, err := m.nextSequence(dir)
	if err != nil {
		return "", err
	}

	ckpt := Checkpoint{
		Version:   SchemaVersion,
		ID:        uuid.New().String(),
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Sequence:  seq,
		Status:    StatusActive,
		Metadata:  metadata,
		Payload:   payload,
	}

	doc, err := toDoc(ckpt)
	if err != nil {
		return "", fmt.Errorf("checkpoint: encoding document: %w", err)
	}

	hash, err := canonicalHash(doc)
	if err != nil {
		return "", fmt.Errorf("checkpoint: hashing document: %w", err)
	}
	doc["hash"] = hash

	final, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshaling document: %w", err)
	}

	if len(final) > m.compressAbove {
		final, err = gzipBytes(final)
		if err != nil {
			return "", fmt.Errorf("checkpoint: compressing document: %w", err)
		}
	}

	name := fileName(seq, ckpt.ID)
	path := filepath.Join(dir, name)
	if err := renameio.WriteFile(path, final, 0o644); err != nil {
		return "", fmt.Errorf("checkpoint: writing %s: %w", path, err)
	}
	if err := syncDir(dir); err != nil {
		m.logger.Warn("checkpoint directory sync failed", map[string]interface{}{
			"job_id": jobID, "error": err.Error(),
		})
	}

	m.logger.Debug("checkpoint written", map[string]interface{}{
		"job_id": jobID, "checkpoint_id": ckpt.ID, "sequence": seq, "bytes": len(final),
	})

	if err := m.prune(jobID); err != nil {
		m.logger.Warn("checkpoint retention pass failed", map[string]interface{}{
			"job_id": jobID, "error": err.Error(),
		})
	}

	return ckpt.ID, nil
}

func fileName(seq uint64, id string) string {
	return fmt.Sprintf("%020d-%s.ckpt", seq, id)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func (m *Manager) nextSequence(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("checkpoint: listing %s: %w", dir, err)
	}

	var max uint64
	for _, e := range entries {
		seq, _, ok := parseFileName(e.Name())
		if ok && seq > max {
			max = seq
		}
	}
	return max + 1, nil
}
