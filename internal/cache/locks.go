package cache

import (
	"hash/fnv"
	"sort"
	"sync"
)

const stripeCount = 64

// stripes orders storage writes per key between Set and fetch completion.
type stripes [stripeCount]sync.Mutex

func stripeOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % stripeCount)
}

// lock takes the stripes of keys in index order and returns the unlock.
func (s *stripes) lock(keys []string) func() {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := stripeOf(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		s[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s[idx[j]].Unlock()
		}
	}
}
