package checksum

import (
	"encoding/hex"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// CalculateRowHash returns a fast non-cryptographic hash of one record's
// fields. Carried on every uploaded row so the sink can dedup at row
// granularity if it chooses to.
func CalculateRowHash(record []string) string {
	lineContent := strings.Join(record, "\t")

	digest := xxhash.New()
	digest.Write([]byte(lineContent))

	return hex.EncodeToString(digest.Sum(nil))
}
