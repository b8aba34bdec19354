package sanitize

import (
	"fmt"
	"hash/fnv"
)

// contentHash computes a fast, non-cryptographic fingerprint of raw,
// rendered as a hex string. It is used only as a tiebreaker for legacy
// rows that predate stable gm_msgid keying (see internal/store's
// DedupeLegacy); it is never used for security purposes.
func contentHash(raw []byte) string {
	h := fnv.New64a()
	h.Write(raw)
	return fmt.Sprintf("%016x", h.Sum64())
}
