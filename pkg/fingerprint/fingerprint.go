package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Generate returns the SHA256 of the canonical JSON form of data.
// Keys are sorted at every level so logically equal payloads hash identically.
func Generate(data map[string]any) string {
	return GenerateWithExclusions(data, nil)
}

// GenerateWithExclusions is Generate with the given dot-notation paths left out
// (e.g. "received_at", "metadata.offset"). Excluding a parent excludes its children.
func GenerateWithExclusions(data map[string]any, exclude map[string]bool) string {
	var sb strings.Builder
	writeCanonical(&sb, data, exclude, "")
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Event hashes the identity and content of a normalized event. Redeliveries of the
// same change hash identically regardless of ingestion sequence.
func Event(e models.Event) string {
	data := map[string]any{
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"operation":   string(e.Operation),
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"fields":      fieldsToAny(e.Fields),
		"restricted":  fieldsToAny(e.RestrictedFields),
	}
	if e.ImportBatchID != nil {
		data["import_batch_id"] = *e.ImportBatchID
	}
	return Generate(data)
}

func fieldsToAny(f models.Fields) map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func writeCanonical(sb *strings.Builder, data any, exclude map[string]bool, path string) {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		first := true
		for _, k := range keys {
			fieldPath := k
			if path != "" {
				fieldPath = path + "." + k
			}
			if excluded(fieldPath, exclude) {
				continue
			}
			if !first {
				sb.WriteByte(',')
			}
			first = false
			keyJSON, _ := json.Marshal(k)
			sb.Write(keyJSON)
			sb.WriteByte(':')
			writeCanonical(sb, v[k], exclude, fieldPath)
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item, exclude, path)
		}
		sb.WriteByte(']')
	default:
		b, _ := json.Marshal(v)
		sb.Write(b)
	}
}

func excluded(path string, exclude map[string]bool) bool {
	if len(exclude) == 0 {
		return false
	}
	if exclude[path] {
		return true
	}
	for prefix := range exclude {
		if strings.HasPrefix(path, prefix+".") {
			return true
		}
	}
	return false
}
