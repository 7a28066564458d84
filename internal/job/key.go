package job

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Key derives the deduplication key of a batch: the SHA-256 of its sorted,
// deduplicated entries. Valid addresses are expected to be normalized already;
// invalid entries are compared trimmed.
func Key(valid, invalid []string) string {
	seen := make(map[string]struct{}, len(valid)+len(invalid))
	entries := make([]string, 0, len(valid)+len(invalid))
	add := func(s string) {
		s = strings.TrimSpace(s)
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		entries = append(entries, s)
	}
	for _, a := range valid {
		add(a)
	}
	for _, a := range invalid {
		add(a)
	}
	sort.Strings(entries)

	sum := sha256.Sum256([]byte(strings.Join(entries, "\n")))
	return hex.EncodeToString(sum[:])
}
