package utils

import (
	"cmp"
	"slices"
)

func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			// if not exists in map, append it, otherwise do nothing
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

// SortedUnique dedupes and sorts ids so row locks are always taken in the same order.
func SortedUnique[T cmp.Ordered](slice []T) []T {
	out := UniqueSlice(slice)
	slices.Sort(out)
	return out
}
