package chunker

// FastCDC content-defined chunking. A rolling GearHash is evaluated
// byte-by-byte and a cut is declared when (hash & mask) == 0. Two
// normalized masks are used: below the average size the mask is two
// bits harder, past it two bits easier, which pulls the chunk-length
// distribution in around the average (normalization level 2).
//
// The gear table, the masks, and the tier parameters are protocol
// constants. Changing any of them moves every cut point and therefore
// invalidates all existing chunk hashes.

// Cut is a single chunk boundary: Length bytes starting at Offset.
type Cut struct {
	Offset int64
	Length int
}

// normalizationBits shifts the boundary masks around the average:
// maskS = avgBits + normalizationBits, maskL = avgBits - normalizationBits.
const normalizationBits = 2

// highMask returns a mask with bits one-bits in the high positions.
// GearHash shifts older bytes toward the high bits, so the high bits
// carry the widest input window.
func highMask(bits int) uint64 {
	return ((uint64(1) << bits) - 1) << (64 - bits)
}

// avgBits returns log2(n) for the power-of-two average sizes in the
// tier table.
func avgBits(n int) int {
	bits := 0
	for n > 1 {
		n >>= 1
		bits++
	}
	return bits
}

// Split chunks data with the given tier's parameters and returns the
// ordered cut list. Identical input and tier always produce identical
// cuts. Every cut satisfies min <= length <= max except possibly the
// final one, which may be shorter than min. TierInline (or any input
// shorter than min) yields a single cut covering the whole input.
func Split(data []byte, tier Tier) []Cut {
	minSize, avgSize, maxSize := tier.Params()
	if maxSize == 0 || len(data) <= minSize {
		if len(data) == 0 {
			return nil
		}
		return []Cut{{Offset: 0, Length: len(data)}}
	}

	bits := avgBits(avgSize)
	maskS := highMask(bits + normalizationBits)
	maskL := highMask(bits - normalizationBits)

	var cuts []Cut
	pos := 0
	for pos < len(data) {
		n := nextBoundary(data[pos:], minSize, avgSize, maxSize, maskS, maskL)
		cuts = append(cuts, Cut{Offset: int64(pos), Length: n})
		pos += n
	}
	return cuts
}

// nextBoundary scans data from the start and returns the length of the
// next chunk. The hash state is reset for each chunk, so a cut point
// depends only on the bytes of its own chunk — this is what gives the
// insertion-locality property: bytes before the previous cut cannot
// move a later boundary.
func nextBoundary(data []byte, minSize, avgSize, maxSize int, maskS, maskL uint64) int {
	length := len(data)
	if length <= minSize {
		return length
	}
	if length > maxSize {
		length = maxSize
	}
	normal := avgSize
	if normal > length {
		normal = length
	}

	var hash uint64
	i := minSize
	for ; i < normal; i++ {
		hash = (hash << 1) + gearTable[data[i]]
		if hash&maskS == 0 {
			return i + 1
		}
	}
	for ; i < length; i++ {
		hash = (hash << 1) + gearTable[data[i]]
		if hash&maskL == 0 {
			return i + 1
		}
	}
	return length
}
