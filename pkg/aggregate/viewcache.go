package aggregate

import (
	"github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"
)

// viewCacheSize bounds the number of frames memoized per aggregation.
const viewCacheSize = 8192

func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// cached memoizes view per distinct frame. Collapsed corpora repeat the
// same frames across many stacks.
func cached(view func(string) string) func(string) string {
	lru, err := freelru.New[string, string](viewCacheSize, hashString)
	if err != nil {
		return view
	}
	return func(frame string) string {
		if label, ok := lru.Get(frame); ok {
			return label
		}
		label := view(frame)
		lru.Add(frame, label)
		return label
	}
}
