package changedetect

import (
	"crypto/sha1"
	"encoding/hex"
	"time"

	"github.com/BearBump/ShipRecon/internal/models"
)

// Fingerprint returns a stable digest over the three event fields that
// decide "is this new information": raw status, event time, location.
// An absent time hashes as "none", so gaining or losing a timestamp is
// itself a change. Two independently normalized payloads describing the
// same real-world event always produce the same digest.
func Fingerprint(ev models.Event) string {
	ts := "none"
	if ev.EventTime != nil {
		ts = ev.EventTime.UTC().Format(time.RFC3339)
	}
	loc := ""
	if ev.Location != nil {
		loc = *ev.Location
	}
	h := sha1.Sum([]byte(ev.StatusRaw + "|" + ts + "|" + loc))
	return hex.EncodeToString(h[:])
}

// Changed reports whether fingerprint carries new information relative to
// the stored one. An empty stored fingerprint (no event ever observed)
// always counts as changed.
func Changed(stored, fingerprint string) bool {
	if stored == "" {
		return true
	}
	return stored != fingerprint
}
