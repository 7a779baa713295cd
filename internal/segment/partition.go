package segment

import (
	"fmt"
	"path/filepath"
)

// Spec is one inclusive byte range of the resource.
type Spec struct {
	Index int
	Start int64
	End   int64
}

func (s Spec) Size() int64 {
	return s.End - s.Start + 1
}

func (s Spec) RangeHeader() string {
	return fmt.Sprintf("bytes=%d-%d", s.Start, s.End)
}

// Partition splits [0,total) into count contiguous ranges. The last range
// absorbs the remainder.
func Partition(total int64, count int) ([]Spec, error) {
	if total <= 0 {
		return nil, fmt.Errorf("cannot partition %d bytes", total)
	}
	if count < 1 || int64(count) > total {
		return nil, fmt.Errorf("invalid segment count %d for %d bytes", count, total)
	}
	size := total / int64(count)
	specs := make([]Spec, count)
	for i := range specs {
		start := int64(i) * size
		end := start + size - 1
		if i == count-1 {
			end = total - 1
		}
		specs[i] = Spec{Index: i, Start: start, End: end}
	}
	return specs, nil
}

func TempDir(outputPath string) string {
	return outputPath + ".segments"
}

func TempPath(outputPath string, index int) string {
	return filepath.Join(TempDir(outputPath), fmt.Sprintf("segment_%d.tmp", index))
}
