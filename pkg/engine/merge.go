package engine

import (
	"container/heap"

	"github.com/calderdb/calder/pkg/record"
)

// internalIterator is the common shape of memtable and run iterators:
// positioned before the first entry, advanced with Next, entries in
// internal key order.
type internalIterator interface {
	Next() bool
	Entry() *record.Entry
	Err() error
	Close() error
}

type mergeSource struct {
	it internalIterator
	// rank breaks exact (key, seq) ties deterministically; lower rank
	// wins. Sequence numbers are unique so ties should not occur, but
	// the heap needs a total order.
	rank int
}

type sourceHeap []*mergeSource

func (h sourceHeap) Len() int { return len(h) }

func (h sourceHeap) Less(i, j int) bool {
	c := record.InternalCompare(h[i].it.Entry(), h[j].it.Entry())
	if c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}

func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sourceHeap) Push(x any) { *h = append(*h, x.(*mergeSource)) }

func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

// mergeIterator merges multiple internal iterators into a single stream
// in internal key order. All sources are closed by Close.
type mergeIterator struct {
	sources []internalIterator // all sources, for Close
	h       sourceHeap
	cur     *record.Entry
	err     error
	inited  bool
}

func newMergeIterator(sources []internalIterator) *mergeIterator {
	return &mergeIterator{sources: sources}
}

func (m *mergeIterator) init() {
	m.h = make(sourceHeap, 0, len(m.sources))
	for rank, it := range m.sources {
		if it.Next() {
			m.h = append(m.h, &mergeSource{it: it, rank: rank})
		} else if err := it.Err(); err != nil && m.err == nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	m.inited = true
}

func (m *mergeIterator) Next() bool {
	if m.err != nil {
		return false
	}
	if !m.inited {
		m.init()
		if m.err != nil {
			return false
		}
	} else if len(m.h) > 0 {
		src := m.h[0]
		if src.it.Next() {
			heap.Fix(&m.h, 0)
		} else {
			if err := src.it.Err(); err != nil {
				m.err = err
				return false
			}
			heap.Pop(&m.h)
		}
	}
	if len(m.h) == 0 {
		m.cur = nil
		return false
	}
	m.cur = m.h[0].it.Entry()
	return true
}

func (m *mergeIterator) Entry() *record.Entry {
	return m.cur
}

func (m *mergeIterator) Err() error {
	return m.err
}

func (m *mergeIterator) Close() error {
	var first error
	for _, it := range m.sources {
		if err := it.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.sources = nil
	m.h = nil
	return first
}
