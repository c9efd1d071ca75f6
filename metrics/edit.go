// Package metrics accumulates evaluation statistics over batches: average
// losses, phoneme error rates with alignments and per-homograph accuracy.
package metrics

type editOp byte

const (
	opMatch editOp = '='
	opSub   editOp = 'S'
	opIns   editOp = 'I'
	opDel   editOp = 'D'
)

type alignment struct {
	Ops           []editOp
	Substitutions int
	Insertions    int
	Deletions     int
}

func (a alignment) Errors() int {
	return a.Substitutions + a.Insertions + a.Deletions
}

// align computes a minimum edit distance alignment between reference and
// hypothesis token sequences.
func align(ref, hyp []string) alignment {
	n, m := len(ref), len(hyp)
	dist := make([][]int, n+1)
	for i := range dist {
		dist[i] = make([]int, m+1)
		dist[i][0] = i
	}
	for j := 0; j <= m; j++ {
		dist[0][j] = j
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			cost := 1
			if ref[i-1] == hyp[j-1] {
				cost = 0
			}
			best := dist[i-1][j-1] + cost
			if d := dist[i-1][j] + 1; d < best {
				best = d
			}
			if d := dist[i][j-1] + 1; d < best {
				best = d
			}
			dist[i][j] = best
		}
	}

	var out alignment
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && ref[i-1] == hyp[j-1] && dist[i][j] == dist[i-1][j-1]:
			out.Ops = append(out.Ops, opMatch)
			i--
			j--
		case i > 0 && j > 0 && dist[i][j] == dist[i-1][j-1]+1:
			out.Ops = append(out.Ops, opSub)
			out.Substitutions++
			i--
			j--
		case i > 0 && dist[i][j] == dist[i-1][j]+1:
			out.Ops = append(out.Ops, opDel)
			out.Deletions++
			i--
		default:
			out.Ops = append(out.Ops, opIns)
			out.Insertions++
			j--
		}
	}
	for a, b := 0, len(out.Ops)-1; a < b; a, b = a+1, b-1 {
		out.Ops[a], out.Ops[b] = out.Ops[b], out.Ops[a]
	}
	return out
}
