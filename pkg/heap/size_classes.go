package heap

import "sort"

// classTable maps chunk sizes to free-list classes.
//
// The first half of the classes are linear in Align steps starting at
// MinChunk; the rest grow by a factor of 1.25. The last class has no upper
// bound, so its list is searched first-fit.
type classTable struct {
	lower []uint64 // smallest chunk size held by each class
}

func newClassTable(n int) classTable {
	lower := make([]uint64, n)
	linear := n / 2
	for i := 0; i < n; i++ {
		if i < linear || i == 0 {
			lower[i] = MinChunk + uint64(i)*Align
			continue
		}
		next := alignUp(lower[i-1]*5/4, Align)
		if next <= lower[i-1] {
			next = lower[i-1] + Align
		}
		lower[i] = next
	}
	return classTable{lower: lower}
}

// count returns the number of classes.
func (t classTable) count() int {
	return len(t.lower)
}

// classOf returns the class a free chunk of the given size is filed under:
// the largest class whose lower bound does not exceed size.
func (t classTable) classOf(size uint64) int {
	i := sort.Search(len(t.lower), func(i int) bool { return t.lower[i] > size })
	if i == 0 {
		return 0
	}
	return i - 1
}

// classFor returns the smallest class whose every chunk can hold need bytes.
// Requests larger than the last lower bound map to the last class.
func (t classTable) classFor(need uint64) int {
	i := sort.Search(len(t.lower), func(i int) bool { return t.lower[i] >= need })
	if i == len(t.lower) {
		return len(t.lower) - 1
	}
	return i
}
