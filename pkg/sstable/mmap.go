package sstable

import (
	"fmt"

	"golang.org/x/exp/mmap"
)

// OpenMmap opens the run with a memory-mapped backing instead of regular
// file reads. Block reads become memory copies served by the page cache,
// which pays off for read-heavy workloads with a warm working set.
func OpenMmap(desc Descriptor) (*Reader, error) {
	ra, err := mmap.Open(desc.Path)
	if err != nil {
		return nil, fmt.Errorf("sstable: failed to mmap run: %w", err)
	}
	r, err := newReader(desc, ra, int64(ra.Len()))
	if err != nil {
		ra.Close()
		return nil, err
	}
	return r, nil
}
