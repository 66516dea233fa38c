package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/ghostcrawl/core/corekit"
)

// parseFileName extracts the sequence and id from a "<seq>-<uuid>.ckpt" file
// name. ok is false for anything that doesn't match the pattern, so stray
// files in a job directory are silently ignored rather than breaking List.
func parseFileName(name string) (seq uint64, id string, ok bool) {
	if !strings.HasSuffix(name, ".ckpt") {
		return 0, "", false
	}
	base := strings.TrimSuffix(name, ".ckpt")
	idx := strings.IndexByte(base, '-')
	if idx < 0 {
		return 0, "", false
	}
	n, err := strconv.ParseUint(base[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, base[idx+1:], true
}

// readDoc loads the on-disk document for a checkpoint file, transparently
// decompressing it if it was gzipped at write time.
func readDoc(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if bytes.HasPrefix(data, gzipMagic) {
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("checkpoint: opening gzip stream: %w", err)
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: reading gzip stream: %w", err)
		}
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("checkpoint: parsing document: %w", err)
	}
	return doc, nil
}

// verify recomputes the canonical hash of doc and compares it against the
// hash field stored in the document, mutating migrated/legacy documents to
// the current schema version along the way.
func (m *Manager) verify(doc map[string]interface{}) (Checkpoint, Status, error) {
	// The hash attests to the document exactly as written, so it is checked
	// against the as-stored content before any schema migration touches it.
	storedHash, _ := doc["hash"].(string)
	want, err := canonicalHash(doc)
	if err != nil {
		ckpt, _ := fromDoc(doc)
		return ckpt, StatusCorrupted, nil
	}
	if storedHash == "" || storedHash != want {
		ckpt, _ := fromDoc(doc)
		return ckpt, StatusCorrupted, nil
	}

	migrated, status, err := m.migrate(doc)
	if err != nil || status == StatusCorrupted {
		ckpt, _ := fromDoc(doc)
		return ckpt, StatusCorrupted, nil
	}

	ckpt, err := fromDoc(migrated)
	if err != nil {
		return Checkpoint{}, StatusCorrupted, nil
	}
	return ckpt, StatusActive, nil
}

// Load returns the verified payload and metadata for a specific checkpoint
// id. A document that no longer decodes, a hash mismatch, or an
// unmigratable schema version yields a Corrupted
// result rather than an error, so callers can fall back to an older
// checkpoint the way Latest does.
func (m *Manager) Load(jobID, checkpointID string) (Checkpoint, Status, error) {
	dir := m.jobDir(jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Checkpoint{}, "", &corekit.FrameworkError{
			Op: "checkpoint.Load", Kind: "not_found", ID: jobID, Err: corekit.ErrCheckpointNotFound,
		}
	}

	for _, e := range entries {
		_, id, ok := parseFileName(e.Name())
		if !ok || id != checkpointID {
			continue
		}
		path := filepath.Join(dir, e.Name())
		doc, err := readDoc(path)
		if err != nil {
			var pathErr *os.PathError
			if errors.As(err, &pathErr) {
				return Checkpoint{}, "", err
			}
			// The file exists but no longer decodes: damaged content.
			return Checkpoint{}, StatusCorrupted, nil
		}
		ckpt, status, err := m.verify(doc)
		return ckpt, status, err
	}

	return Checkpoint{}, "", &corekit.FrameworkError{
		Op: "checkpoint.Load", Kind: "not_found", ID: checkpointID, Err: corekit.ErrCheckpointNotFound,
	}
}

// List returns up to limit checkpoint descriptors for jobID, newest first.
// limit <= 0 means unbounded.
func (m *Manager) List(jobID string, limit int) ([]Descriptor, error) {
	dir := m.jobDir(jobID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: listing %s: %w", dir, err)
	}

	descs := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		seq, id, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(dir, e.Name())
		doc, err := readDoc(path)
		if err != nil {
			continue
		}
		ckpt, status, err := m.verify(doc)
		if err != nil {
			continue
		}
		descs = append(descs, Descriptor{
			ID: id, JobID: jobID, Sequence: seq,
			Timestamp: ckpt.Timestamp, Status: status, FileName: e.Name(),
		})
	}

	sort.Slice(descs, func(i, j int) bool { return descs[i].Sequence > descs[j].Sequence })

	if limit > 0 && len(descs) > limit {
		descs = descs[:limit]
	}
	return descs, nil
}

// Latest returns the id of the newest checkpoint for jobID that verifies
// cleanly, walking backward through older generations past any Corrupted
// ones until it finds one or runs out of history.
func (m *Manager) Latest(jobID string) (checkpointID string, found bool, err error) {
	descs, err := m.List(jobID, 0)
	if err != nil {
		return "", false, err
	}
	for _, d := range descs {
		if d.Status == StatusCorrupted || d.Status == StatusExpired {
			continue
		}
		return d.ID, true, nil
	}
	return "", false, nil
}
