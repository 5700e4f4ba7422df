// Package memtable provides the in-memory sorted write buffer. Entries are
// keyed by (user key ascending, sequence descending), so multiple versions
// of a key coexist and the newest is always reached first.
package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/calderdb/calder/pkg/record"
)

const (
	maxSkipListLevel = 16 // Maximum height of skip list
)

// skipListNode is a node in the skip list. Nodes are never removed; the
// whole structure is discarded once its flush completes.
type skipListNode struct {
	entry   *record.Entry
	forward []*skipListNode
}

// skipList is an ordered collection of versioned entries supporting
// O(log n) insert and seek. Writers take the write lock, readers and
// iterators the read lock.
type skipList struct {
	mu    sync.RWMutex
	head  *skipListNode
	level int
	size  atomic.Int64
	count atomic.Int64
	rng   uint64 // xorshift state for level generation
}

func newSkipList() *skipList {
	return &skipList{
		head: &skipListNode{
			forward: make([]*skipListNode, maxSkipListLevel),
		},
		rng: 1,
	}
}

// randomLevel generates a node height with a geometric distribution (p=1/4).
func (s *skipList) randomLevel() int {
	level := 0
	s.rng ^= s.rng << 13
	s.rng ^= s.rng >> 7
	s.rng ^= s.rng << 17
	for level < maxSkipListLevel-1 && (s.rng&0xFFFF) < 0xFFFF/4 {
		level++
		s.rng ^= s.rng << 13
		s.rng ^= s.rng >> 7
		s.rng ^= s.rng << 17
	}
	return level
}

// insert adds an entry. Each (key, seq) pair is distinct, so insert never
// replaces an existing node.
func (s *skipList) insert(e *record.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	update := make([]*skipListNode, maxSkipListLevel)
	current := s.head
	for i := s.level; i >= 0; i-- {
		for current.forward[i] != nil && record.InternalCompare(current.forward[i].entry, e) < 0 {
			current = current.forward[i]
		}
		update[i] = current
	}

	level := s.randomLevel()
	if level > s.level {
		for i := s.level + 1; i <= level; i++ {
			update[i] = s.head
		}
		s.level = level
	}

	node := &skipListNode{
		entry:   e,
		forward: make([]*skipListNode, level+1),
	}
	for i := 0; i <= level; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}

	s.size.Add(int64(e.Size()))
	s.count.Add(1)
}

// seek returns the first node whose internal key is >= (key, seq).
// Because sequence numbers sort descending within a key, seeking
// (key, snapshotSeq) lands on the newest version visible at the snapshot.
func (s *skipList) seek(key []byte, seq uint64) *skipListNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.head
	for i := s.level; i >= 0; i-- {
		for current.forward[i] != nil && record.CompareKeySeq(key, seq, current.forward[i].entry) > 0 {
			current = current.forward[i]
		}
	}
	return current.forward[0]
}

// next returns the successor of node under the read lock. Forward pointers
// mutate during concurrent inserts, so unsynchronized chasing is unsafe.
func (s *skipList) next(node *skipListNode) *skipListNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return node.forward[0]
}

func (s *skipList) approximateSize() int64 {
	return s.size.Load()
}

func (s *skipList) length() int64 {
	return s.count.Load()
}
