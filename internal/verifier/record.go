package verifier

import (
	"cmp"
	"fmt"
)

// KeyCount is a word-count style aggregation result.
type KeyCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// String renders the record as "(key,count)".
func (kc KeyCount) String() string {
	return fmt.Sprintf("(%s,%d)", kc.Key, kc.Count)
}

// CompareKeyCount orders records by key, then count.
func CompareKeyCount(a, b KeyCount) int {
	if c := cmp.Compare(a.Key, b.Key); c != 0 {
		return c
	}

	return cmp.Compare(a.Count, b.Count)
}
