// Package path implements the grid pathfinder used by player movement.
// It is pure: no package state, identical inputs give identical routes.
package path

import (
	"container/heap"
	"math"
)

type Point struct{ X, Y int }

type Grid struct {
	Width  int
	Height int
}

func (g Grid) Contains(p Point) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < g.Width && p.Y < g.Height
}

type neighbor struct {
	dx, dy   int
	cost     float64
	diagonal bool
}

var neighborOffsets = [...]neighbor{
	{dx: 0, dy: -1, cost: 1},
	{dx: 1, dy: 0, cost: 1},
	{dx: 0, dy: 1, cost: 1},
	{dx: -1, dy: 0, cost: 1},
	{dx: 1, dy: -1, cost: math.Sqrt2, diagonal: true},
	{dx: 1, dy: 1, cost: math.Sqrt2, diagonal: true},
	{dx: -1, dy: 1, cost: math.Sqrt2, diagonal: true},
	{dx: -1, dy: -1, cost: math.Sqrt2, diagonal: true},
}

// octile distance, admissible for 8-connected movement.
func heuristic(a, b Point) float64 {
	dx := math.Abs(float64(a.X - b.X))
	dy := math.Abs(float64(a.Y - b.Y))
	if dx > dy {
		return dx + (math.Sqrt2-1)*dy
	}
	return dy + (math.Sqrt2-1)*dx
}

type node struct {
	p      Point
	g      float64
	f      float64
	seq    uint64
	parent *node
	index  int
}

type frontier []*node

func (q frontier) Len() int { return len(q) }

// Ties on f resolve by insertion sequence so the result is deterministic.
func (q frontier) Less(i, j int) bool {
	if q[i].f != q[j].f {
		return q[i].f < q[j].f
	}
	return q[i].seq < q[j].seq
}

func (q frontier) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *frontier) Push(x any) {
	n := x.(*node)
	n.index = len(*q)
	*q = append(*q, n)
}

func (q *frontier) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

func blockedAt(blocked map[Point]struct{}, p Point) bool {
	_, ok := blocked[p]
	return ok
}

// A diagonal step must not cut a blocked corner: both orthogonal
// neighbors it passes between have to be open.
func canTraverseDiagonal(g Grid, blocked map[Point]struct{}, from Point, d neighbor) bool {
	if !d.diagonal {
		return true
	}
	horiz := Point{X: from.X + d.dx, Y: from.Y}
	vert := Point{X: from.X, Y: from.Y + d.dy}
	if !g.Contains(horiz) || !g.Contains(vert) {
		return false
	}
	return !blockedAt(blocked, horiz) && !blockedAt(blocked, vert)
}

// FindPath returns the waypoints from start to goal inclusive, or
// (nil, false) when no walkable route exists. It never returns a partial
// route and never routes through a blocked tile.
func FindPath(g Grid, blocked map[Point]struct{}, start, goal Point) ([]Point, bool) {
	if !g.Contains(start) || !g.Contains(goal) {
		return nil, false
	}
	if blockedAt(blocked, start) || blockedAt(blocked, goal) {
		return nil, false
	}
	if start == goal {
		return []Point{start}, true
	}

	open := &frontier{}
	heap.Init(open)
	var seq uint64
	push := func(n *node) {
		n.seq = seq
		seq++
		heap.Push(open, n)
	}
	push(&node{p: start, g: 0, f: heuristic(start, goal)})

	gScore := map[Point]float64{start: 0}
	closed := map[Point]struct{}{}

	for open.Len() > 0 {
		current := heap.Pop(open).(*node)
		if _, seen := closed[current.p]; seen {
			continue
		}
		closed[current.p] = struct{}{}
		if current.p == goal {
			return reconstruct(current), true
		}

		for _, d := range neighborOffsets {
			next := Point{X: current.p.X + d.dx, Y: current.p.Y + d.dy}
			if !g.Contains(next) {
				continue
			}
			if blockedAt(blocked, next) {
				continue
			}
			if d.diagonal && !canTraverseDiagonal(g, blocked, current.p, d) {
				continue
			}
			if _, seen := closed[next]; seen {
				continue
			}
			tentative := current.g + d.cost
			if prev, ok := gScore[next]; ok && tentative >= prev {
				continue
			}
			gScore[next] = tentative
			push(&node{
				p:      next,
				g:      tentative,
				f:      tentative + heuristic(next, goal),
				parent: current,
			})
		}
	}
	return nil, false
}

func reconstruct(end *node) []Point {
	var out []Point
	for n := end; n != nil; n = n.parent {
		out = append(out, n.p)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
