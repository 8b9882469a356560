package alerting

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/driftsec/warden/pkg/models"
)

// entityPaths maps each entity kind to the canonical field paths it is
// extracted from. The paths are fixed; changing them changes dedup keys and
// splits existing alert groupings.
var entityPaths = map[string][]string{
	models.EntityHosts:  {"host.name"},
	models.EntityUsers:  {"user.name"},
	models.EntityIPs:    {"source.ip", "destination.ip", "host.ip"},
	models.EntityHashes: {"file.hash.sha256", "file.hash.sha1", "file.hash.md5"},
	models.EntityFiles:  {"file.path", "process.executable"},
}

// stableKinds are the entity kinds that feed the dedup key. Hashes and file
// paths vary per hit and would fragment grouping, so they stay out.
var stableKinds = []string{models.EntityHosts, models.EntityUsers, models.EntityIPs}

// ExtractEntities pulls every known entity kind out of the given events.
// Missing paths are skipped; values may be scalars or arrays.
func ExtractEntities(events []models.Event) models.EntitySet {
	set := models.EntitySet{}
	for i := range events {
		for kind, paths := range entityPaths {
			for _, path := range paths {
				set.Add(kind, events[i].Strings(path)...)
			}
		}
	}
	return set
}

// stableEntities extracts only the dedup-relevant kinds from a single event.
func stableEntities(evt *models.Event) models.EntitySet {
	set := models.EntitySet{}
	for _, kind := range stableKinds {
		for _, path := range entityPaths[kind] {
			set.Add(kind, evt.Strings(path)...)
		}
	}
	return set
}

// DedupKey derives the alert grouping key for a rule match: the hex SHA-256
// of the rule id concatenated with the canonical rendering of the stable
// entities of the first hit. Rule-scoped, so two rules matching the same host
// produce distinct alerts.
func DedupKey(ruleID string, first *models.Event) string {
	h := sha256.New()
	h.Write([]byte(ruleID))
	if first != nil {
		h.Write([]byte(stableEntities(first).Canonical()))
	}
	return hex.EncodeToString(h.Sum(nil))
}
