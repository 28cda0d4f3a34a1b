// Package transfer is the Transfer Controller: multipart chunk sizing
// and progress aggregation shared by the take-full/take-incremental
// upload path and the restore download path.
package transfer

import "math"

const (
	// MinChunkSize is the floor chunk size regardless of send size or
	// max_parts, matching the provider's minimum multipart part size.
	MinChunkSize = 8 * 1024 * 1024

	// DefaultMaxParts is the provider's multipart part-count ceiling
	// used when a job does not override max_parts.
	DefaultMaxParts = 10000

	// margin keeps the computed part count well under max_parts,
	// absorbing rounding and the provider's own off-by-few quirks.
	margin = 100
)

// ChunkSize computes the multipart part size for a transfer of
// sendSize bytes against maxParts, per §4.5's
// max(default_minimum, ceil(send_size/(max_parts-margin))) formula. A
// maxParts of zero or less falls back to DefaultMaxParts.
func ChunkSize(sendSize uint64, maxParts int) int64 {
	if maxParts <= 0 {
		maxParts = DefaultMaxParts
	}

	denom := maxParts - margin
	if denom <= 0 {
		denom = 1
	}

	computed := int64(math.Ceil(float64(sendSize) / float64(denom)))
	if computed < MinChunkSize {
		return MinChunkSize
	}
	return computed
}
