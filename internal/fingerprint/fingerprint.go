// Package fingerprint identifies clusters by their exact membership and
// classifies the clusters of a run against the ledger of the previous run.
package fingerprint

import (
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/fyrsmithlabs/feedbackd/internal/clustering"
)

// Compute returns the fingerprint of a member id set: a blake3 hash of the
// sorted, de-duplicated ids. Member order and content never affect it.
func Compute(ids []int64) string {
	sorted := make([]int64, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	h := blake3.New()
	var buf []byte
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		buf = buf[:0]
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendInt(buf, id, 10)
		_, _ = h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Of returns the fingerprint of a cluster.
func Of(c clustering.Cluster) string {
	return Compute(c.MemberIDs())
}
