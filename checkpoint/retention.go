package checkpoint

import (
	"os"
	"path/filepath"
	"time"
)

// prune keeps the retentionCount newest validated checkpoints for jobID.
// Older validated ones are removed once they have sat past expiryGrace;
// Corrupted checkpoints are never removed here, so they stay available for
// inspection per the corrupted-checkpoint scenario.
func (m *Manager) prune(jobID string) error {
	descs, err := m.List(jobID, 0)
	if err != nil {
		return err
	}

	dir := m.jobDir(jobID)
	now := time.Now().UTC()
	live := 0

	for _, d := range descs {
		if d.Status == StatusCorrupted {
			continue
		}
		live++
		if live <= m.retentionCount {
			continue
		}
		if now.Sub(d.Timestamp) < m.expiryGrace {
			continue
		}
		path := filepath.Join(dir, d.FileName)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		m.logger.Debug("checkpoint expired and removed", map[string]interface{}{
			"job_id": jobID, "checkpoint_id": d.ID, "sequence": d.Sequence,
		})
	}

	return nil
}
