package train

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/fumitoshi0524/g2pNet/metrics"
)

// Sink receives visualization records keyed by a global step counter.
// Implementations may render to TensorBoard-style event files, terminals
// or anything else; a nil sink disables visualization.
type Sink interface {
	Scalar(name string, step int, value float64) error
	Image(name string, step int, rows [][]float64) error
	Text(name string, step int, lines []string) error
}

// attentionImage rescales attention weights to [0, 1] for heatmap display.
func attentionImage(attn [][]float64) [][]float64 {
	max := 0.0
	for _, row := range attn {
		for _, v := range row {
			if v > max {
				max = v
			}
		}
	}
	if max == 0 {
		max = 1
	}
	out := make([][]float64, len(attn))
	for i, row := range attn {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			out[i][j] = v / max
		}
	}
	return out
}

// sampleGroups picks the worst-scoring, most recent and random subsets of
// the evaluated items, each independently sized.
func sampleGroups(scores []metrics.ItemScore, worst, last, random int, seed int64) map[string][]metrics.ItemScore {
	out := map[string][]metrics.ItemScore{}
	if len(scores) == 0 {
		return out
	}
	if worst > 0 {
		sorted := append([]metrics.ItemScore(nil), scores...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].ErrorRate > sorted[j].ErrorRate
		})
		if worst > len(sorted) {
			worst = len(sorted)
		}
		out["worst"] = sorted[:worst]
	}
	if last > 0 {
		if last > len(scores) {
			last = len(scores)
		}
		out["last"] = scores[len(scores)-last:]
	}
	if random > 0 {
		rng := rand.New(rand.NewSource(seed))
		perm := rng.Perm(len(scores))
		if random > len(perm) {
			random = len(perm)
		}
		picked := make([]metrics.ItemScore, 0, random)
		for _, idx := range perm[:random] {
			picked = append(picked, scores[idx])
		}
		out["random"] = picked
	}
	return out
}

func sampleLines(items []metrics.ItemScore) []string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("%s (%.1f%%): %s -> %s",
			item.ID, item.ErrorRate,
			strings.Join(item.Ref, " "), strings.Join(item.Hyp, " ")))
	}
	return lines
}
