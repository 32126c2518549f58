package world

import (
	"math"

	"pixeltown.ai/internal/sim/path"
)

type Vec2 struct {
	X float64
	Y float64
}

type Player struct {
	ID   uint64
	Name string

	Pos Vec2

	// Active route; nil when idle. PathIndex is the next waypoint to reach.
	Path      []path.Point
	PathIndex int

	Activity string
	Zone     string

	// Archived players stay in the world map so historical references
	// (conversations, logs) keep resolving. They take no further part in
	// simulation.
	Archived bool
}

func (p *Player) Tile() path.Point {
	return path.Point{X: int(math.Round(p.Pos.X)), Y: int(math.Round(p.Pos.Y))}
}

func (p *Player) Moving() bool {
	return p.Path != nil && p.PathIndex < len(p.Path)
}

func (p *Player) clearPath() {
	p.Path = nil
	p.PathIndex = 0
}

// advance moves the player up to dist tiles along its path, consuming
// waypoints as they are reached. The path clears once the final waypoint
// is consumed.
func (p *Player) advance(dist float64) {
	for dist > 0 && p.Moving() {
		wp := p.Path[p.PathIndex]
		tx := float64(wp.X)
		ty := float64(wp.Y)
		dx := tx - p.Pos.X
		dy := ty - p.Pos.Y
		d := math.Hypot(dx, dy)
		if d <= dist {
			p.Pos = Vec2{X: tx, Y: ty}
			p.PathIndex++
			dist -= d
			continue
		}
		p.Pos.X += dx / d * dist
		p.Pos.Y += dy / d * dist
		return
	}
	if p.Path != nil && p.PathIndex >= len(p.Path) {
		p.clearPath()
	}
}
