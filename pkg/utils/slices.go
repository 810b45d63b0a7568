/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

// SliceMap applies a function to each element of a slice and returns a new
// slice with the results.
func SliceMap[Domain, Range any](slice []Domain, fn func(Domain) Range) []Range {
	if slice == nil {
		return nil
	}

	ans := make([]Range, len(slice))
	for idx, elt := range slice {
		ans[idx] = fn(elt)
	}

	return ans
}

// SliceMapE is SliceMap for functions that may fail. It stops at the first
// error.
func SliceMapE[Domain, Range any](slice []Domain, fn func(Domain) (Range, error)) ([]Range, error) {
	if slice == nil {
		return nil, nil
	}

	ans := make([]Range, len(slice))
	for idx, elt := range slice {
		r, err := fn(elt)
		if err != nil {
			return nil, err
		}
		ans[idx] = r
	}

	return ans, nil
}

// Permutations returns every ordering of 0..n-1 in lexicographic order.
// Permutations(0) holds the single empty ordering.
func Permutations(n int) [][]int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	var out [][]int
	for {
		out = append(out, append([]int(nil), perm...))

		// next lexicographic permutation
		i := n - 2
		for i >= 0 && perm[i] >= perm[i+1] {
			i--
		}
		if i < 0 {
			return out
		}
		j := n - 1
		for perm[j] <= perm[i] {
			j--
		}
		perm[i], perm[j] = perm[j], perm[i]
		for l, r := i+1, n-1; l < r; l, r = l+1, r-1 {
			perm[l], perm[r] = perm[r], perm[l]
		}
	}
}

// Factorial returns n!, saturating at limit+1 once the product exceeds limit.
func Factorial(n, limit int) int {
	f := 1
	for i := 2; i <= n; i++ {
		f *= i
		if f > limit {
			return limit + 1
		}
	}
	return f
}
