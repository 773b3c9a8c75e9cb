// Package fingerprint computes content-addressed digests of sandbox memory
// pages for the dedup planner's registry lookups.
package fingerprint

import (
	"crypto/sha1" //nolint:gosec // content-addressing, not a security boundary

	"github.com/cuemby/dedupd/pkg/types"
)

// Digest is a 20-byte SHA-1 fingerprint of a 64-byte window within a page.
type Digest [sha1.Size]byte

const (
	windowSize = 64
	stride     = 16
)

// NullFingerprint is the canonical fallback digest emitted when a page has
// no qualifying window under the value-sampled strategy (e.g. an all-zero
// page). It is the fixed digest of 64 zero bytes.
var NullFingerprint = Digest(sha1.Sum(make([]byte, windowSize)))

// ValueSampledFingerprints scans a PAGE_SIZE page at 16-byte strides,
// skipping all-zero windows, SHA-1-hashing the remainder, and keeping
// digests whose last nibble is even, until chunksPerPage digests have been
// collected. If none qualify, it returns a single NullFingerprint so that
// every page still carries at least one hash.
//
// The fingerprint set of a page is a pure function of its bytes,
// chunksPerPage, and this strategy constant (see property 9 in the
// behavioral spec this logic was ported from).
func ValueSampledFingerprints(page []byte, chunksPerPage int) []Digest {
	if len(page) != types.PageSize {
		panic("fingerprint: page must be exactly PageSize bytes")
	}
	if chunksPerPage <= 0 {
		chunksPerPage = 1
	}

	digests := make([]Digest, 0, chunksPerPage)
	for off := 0; off+windowSize <= len(page) && len(digests) < chunksPerPage; off += stride {
		window := page[off : off+windowSize]
		if isAllZero(window) {
			continue
		}
		d := Digest(sha1.Sum(window))
		if d[len(d)-1]%2 != 0 {
			continue
		}
		digests = append(digests, d)
	}

	if len(digests) == 0 {
		digests = append(digests, NullFingerprint)
	}
	return digests
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// PageID returns a dense, deterministic identifier for the page at byte
// offset off within a region, used as the "addr" field on outgoing
// RegisterPages/GetBaseContainers payloads for dedup candidates (whose
// region is not itself remote-facing).
func PageID(off uint64) uint64 {
	return off / types.PageSize
}

// String returns the digest as lowercase hex, for logging call sites that
// want a human-readable form of a digest without pulling in encoding/hex at
// every call site.
func (d Digest) String() string {
	var buf [2 * sha1.Size]byte
	const hexdigits = "0123456789abcdef"
	for i, b := range d {
		buf[i*2] = hexdigits[b>>4]
		buf[i*2+1] = hexdigits[b&0xf]
	}
	return string(buf[:])
}

// Bytes returns the digest as a byte slice, matching the wire shape used by
// RegisterPages/GetBaseContainers payloads.
func (d Digest) Bytes() []byte {
	return d[:]
}

// FromBytes reconstructs a Digest from a 20-byte slice, as received over
// the wire.
func FromBytes(b []byte) (Digest, bool) {
	var d Digest
	if len(b) != sha1.Size {
		return d, false
	}
	copy(d[:], b)
	return d, true
}
