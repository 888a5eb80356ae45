package components

import "sort"

// OrderTransforms computes a deterministic application order for the given
// Transforms from their Provides/Requires capability graph: an
// edge runs from the Transform providing a capability to every Transform
// requiring it. Ties (independent Transforms) are broken by position in
// the input slice, so unconstrained Transforms retain their registration
// order and the same registration set always yields the same order.
func OrderTransforms(transforms []Transform) ([]Transform, error) {
	byName := make(map[string]Transform, len(transforms))
	regIndex := make(map[string]int, len(transforms))
	providerOf := make(map[string]string, len(transforms))

	for i, t := range transforms {
		byName[t.Name()] = t
		regIndex[t.Name()] = i
	}
	for _, t := range transforms {
		for _, cap := range t.Provides() {
			if existing, ok := providerOf[cap]; ok && existing != t.Name() {
				return nil, &AmbiguousProviderError{Capability: cap, Providers: []string{existing, t.Name()}}
			}
			providerOf[cap] = t.Name()
		}
	}

	// edges[a] = transforms that must run after a (a provides something b requires)
	edges := make(map[string][]string, len(transforms))
	indegree := make(map[string]int, len(transforms))
	for _, t := range transforms {
		indegree[t.Name()] = 0
	}
	for _, t := range transforms {
		for _, req := range t.Requires() {
			provider, ok := providerOf[req]
			if !ok {
				suggestion := closestCapability(req, providerOf)
				return nil, &MissingProviderError{Transform: t.Name(), Capability: req, Suggestion: suggestion}
			}
			if provider == t.Name() {
				continue // self-satisfied capability, not a real edge
			}
			edges[provider] = append(edges[provider], t.Name())
			indegree[t.Name()]++
		}
	}

	names := make([]string, 0, len(transforms))
	for _, t := range transforms {
		names = append(names, t.Name())
	}

	var ready []string
	for _, n := range names {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	var ordered []string
	remaining := indegree
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return regIndex[ready[i]] < regIndex[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		ordered = append(ordered, n)
		for _, next := range edges[n] {
			remaining[next]--
			if remaining[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(ordered) != len(transforms) {
		cycle := findCycle(names, edges)
		return nil, &CycleError{Cycle: cycle}
	}

	out := make([]Transform, len(ordered))
	for i, n := range ordered {
		out[i] = byName[n]
	}
	return out, nil
}

// findCycle performs a DFS over every node in names and returns the first
// cycle found, for a diagnostic error message.
func findCycle(names []string, edges map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(names))
	var path []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		path = append(path, n)
		for _, next := range edges[n] {
			switch color[next] {
			case white:
				if visit(next) {
					return true
				}
			case gray:
				// found the cycle: slice path from next's first occurrence
				for i, p := range path {
					if p == next {
						cycle = append(append([]string{}, path[i:]...), next)
						return true
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return false
	}

	for _, n := range names {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return names // fallback: shouldn't happen if OrderTransforms detected a cycle
}

// closestCapability finds the registered capability name with the smallest
// Levenshtein edit distance to want, for a "did you mean" hint. Returns ""
// if nothing is within a reasonable distance.
func closestCapability(want string, providerOf map[string]string) string {
	best := ""
	bestDist := -1
	for cap := range providerOf {
		d := levenshtein(want, cap)
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = cap
		}
	}
	if bestDist < 0 || bestDist > (len(want)+1)/2 {
		return ""
	}
	return best
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
