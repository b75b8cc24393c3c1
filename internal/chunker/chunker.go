// Package chunker plans the byte ranges a resumable upload is cut into.
//
// Ranges sit on a fixed grid of chunk-size cells starting at byte 0. A cursor
// that lands inside a cell (after the destination confirmed a partial chunk)
// yields a range covering only the rest of that cell, so later ranges stay
// aligned.
package chunker

import "fmt"

// Granularity is the unit resumable destinations require chunk sizes to be a
// multiple of. Only the final chunk may be shorter.
const Granularity = 256 * 1024

// Range is one inclusive byte range of the asset.
type Range struct {
	Index int
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

func (r Range) String() string {
	return fmt.Sprintf("#%d[%d-%d]", r.Index, r.Start, r.End)
}

// ValidateSize checks that size is a positive multiple of granularity.
func ValidateSize(size, granularity int64) error {
	if size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if granularity > 0 && size%granularity != 0 {
		return fmt.Errorf("chunk size %d is not a multiple of %d", size, granularity)
	}
	return nil
}

// At returns the range starting at cursor for an asset of total bytes.
func At(cursor, total, size int64) (Range, error) {
	if size <= 0 {
		return Range{}, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if cursor < 0 || cursor >= total {
		return Range{}, fmt.Errorf("cursor %d outside asset of %d bytes", cursor, total)
	}

	cell := cursor / size
	end := (cell+1)*size - 1
	if end > total-1 {
		end = total - 1
	}
	return Range{Index: int(cell), Start: cursor, End: end}, nil
}

// Count returns how many chunks an asset of total bytes needs.
func Count(total, size int64) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return int((total + size - 1) / size)
}

// Plan returns every range of an asset uploaded from byte 0.
func Plan(total, size int64) []Range {
	ranges := make([]Range, 0, Count(total, size))
	for cursor := int64(0); cursor < total; {
		r, err := At(cursor, total, size)
		if err != nil {
			break
		}
		ranges = append(ranges, r)
		cursor = r.End + 1
	}
	return ranges
}
