package checkpoint

import (
	"strconv"
	"strings"
)

// migrate brings doc up to SchemaVersion if it carries an older major
// version and a Migration is registered for it. A document whose major
// version is newer than SchemaVersion, or older with no migration
// registered, comes back Corrupted — it is retained on disk for inspection
// but never surfaced as loadable payload.
func (m *Manager) migrate(doc map[string]interface{}) (map[string]interface{}, Status, error) {
	version, _ := doc["version"].(string)
	major, ok := majorVersion(version)
	if !ok {
		return doc, StatusCorrupted, nil
	}

	currentMajor, _ := majorVersion(SchemaVersion)
	if major == currentMajor {
		return doc, StatusActive, nil
	}
	if major > currentMajor {
		return doc, StatusCorrupted, nil
	}

	migrated := doc
	for v := major; v < currentMajor; v++ {
		fn, ok := m.migrations[v]
		if !ok {
			return doc, StatusCorrupted, nil
		}
		next, err := fn(migrated)
		if err != nil {
			return doc, StatusCorrupted, nil
		}
		migrated = next
	}
	migrated["version"] = SchemaVersion
	return migrated, StatusActive, nil
}

func majorVersion(v string) (int, bool) {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return n, true
}
