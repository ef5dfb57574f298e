// Package align implements the DANTE monotonic alignment algorithm: given a
// similarity matrix between N ordered events and T temporally ordered
// keyframes, it finds the strictly increasing assignment of events to frames
// that maximizes total similarity minus a linear penalty per skipped frame.
package align

import "math"

var negInf = math.Inf(-1)

// Result is a feasible alignment: the total score and the chosen frame
// column for each event, strictly increasing.
type Result struct {
	Score float64
	Path  []int
}

// Align runs the dynamic program over s (events × frames) with gap penalty
// weight penalty and reconstructs the optimal path by backtracking.
//
// The transition
//
//	DP[i][t] = S[i][t] + max_{t'<t}( DP[i-1][t'] - penalty*(t-t'-1) )
//
// is computed with a running maximum over DP[i-1][t'] + penalty*t', updated
// incrementally as t grows, so the whole table costs O(N*T) instead of
// O(N*T^2). The running maximum advances only on strict improvement, which
// keeps the earliest t' on ties and makes the output deterministic.
//
// ok is false when no feasible assignment exists: fewer frames than events,
// or no finite final score.
func Align(s [][]float64, penalty float64) (Result, bool) {
	n := len(s)
	if n == 0 {
		return Result{}, false
	}
	t := len(s[0])
	if t < n {
		return Result{}, false
	}

	// Dense row-major tables; dp[i*t+c] is event i at frame c.
	dp := make([]float64, n*t)
	bp := make([]int, n*t)
	for i := range dp {
		dp[i] = negInf
		bp[i] = -1
	}

	copy(dp[:t], s[0])

	for i := 1; i < n; i++ {
		// Event i needs i predecessors, so its earliest frame is column i
		// and its earliest predecessor is column i-1.
		best := dp[(i-1)*t+(i-1)] + penalty*float64(i-1)
		bestPrev := i - 1
		for c := i; c < t; c++ {
			if c > i {
				cand := dp[(i-1)*t+(c-1)] + penalty*float64(c-1)
				if cand > best {
					best = cand
					bestPrev = c - 1
				}
			}
			if math.IsInf(best, -1) {
				continue
			}
			dp[i*t+c] = s[i][c] + best - penalty*float64(c-1)
			bp[i*t+c] = bestPrev
		}
	}

	// Terminal: best cell of the last row, earliest column on ties.
	bestScore := negInf
	bestCol := -1
	for c := n - 1; c < t; c++ {
		if v := dp[(n-1)*t+c]; v > bestScore {
			bestScore = v
			bestCol = c
		}
	}
	if bestCol < 0 || math.IsInf(bestScore, -1) || math.IsNaN(bestScore) {
		return Result{}, false
	}

	path := make([]int, n)
	path[n-1] = bestCol
	for i := n - 1; i > 0; i-- {
		cur := path[i]
		if cur < 0 || cur >= t {
			return Result{}, false
		}
		prev := bp[i*t+cur]
		if prev < 0 || prev >= cur {
			return Result{}, false
		}
		path[i-1] = prev
	}

	return Result{Score: bestScore, Path: path}, true
}
