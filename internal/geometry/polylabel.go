package geometry

import (
	"container/heap"
	"math"
)

// DefaultLabelPrecision is the stopping distance, in viewBox units, for the
// label anchor search.
const DefaultLabelPrecision = 1.0

// LabelAnchor finds the pole of inaccessibility of a polygon ring: the
// interior point farthest from every edge. It refines candidate cells with a
// priority queue until no cell can improve the best distance by more than
// precision. Degenerate rings fall back to the bounding box center.
func LabelAnchor(ring []Point, precision float64) Point {
	if precision <= 0 {
		precision = DefaultLabelPrecision
	}
	bounds := BoundsOf(ring)
	if len(ring) < 3 {
		return bounds.Center()
	}

	width := bounds.MaxX - bounds.MinX
	height := bounds.MaxY - bounds.MinY
	cellSize := math.Min(width, height)
	if cellSize == 0 {
		return bounds.Center()
	}

	queue := &cellQueue{}
	heap.Init(queue)

	half := cellSize / 2
	for x := bounds.MinX; x < bounds.MaxX; x += cellSize {
		for y := bounds.MinY; y < bounds.MaxY; y += cellSize {
			heap.Push(queue, newCell(x+half, y+half, half, ring))
		}
	}

	best := newCell(bounds.Center().X, bounds.Center().Y, 0, ring)
	if c := centroidCell(ring); c.distance > best.distance {
		best = c
	}

	for queue.Len() > 0 {
		c := heap.Pop(queue).(cell)
		if c.distance > best.distance {
			best = c
		}
		// The cell cannot contain a better point than we already have.
		if c.max-best.distance <= precision {
			continue
		}
		quarter := c.half / 2
		heap.Push(queue, newCell(c.x-quarter, c.y-quarter, quarter, ring))
		heap.Push(queue, newCell(c.x+quarter, c.y-quarter, quarter, ring))
		heap.Push(queue, newCell(c.x-quarter, c.y+quarter, quarter, ring))
		heap.Push(queue, newCell(c.x+quarter, c.y+quarter, quarter, ring))
	}

	return Point{X: best.x, Y: best.y}
}

type cell struct {
	x, y     float64
	half     float64
	distance float64 // signed distance from center to the ring
	max      float64 // upper bound on distance within the cell
}

func newCell(x, y, half float64, ring []Point) cell {
	d := signedDistance(Point{X: x, Y: y}, ring)
	return cell{x: x, y: y, half: half, distance: d, max: d + half*math.Sqrt2}
}

func centroidCell(ring []Point) cell {
	var area, cx, cy float64
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		a := ring[i]
		b := ring[j]
		f := a.X*b.Y - b.X*a.Y
		cx += (a.X + b.X) * f
		cy += (a.Y + b.Y) * f
		area += f * 3
	}
	if area == 0 {
		return newCell(ring[0].X, ring[0].Y, 0, ring)
	}
	return newCell(cx/area, cy/area, 0, ring)
}

// signedDistance is the distance from p to the nearest ring edge, positive
// when p is inside the ring.
func signedDistance(p Point, ring []Point) float64 {
	inside := false
	minDist := math.Inf(1)

	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		a := ring[i]
		b := ring[j]
		if (a.Y > p.Y) != (b.Y > p.Y) &&
			p.X < (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
		minDist = math.Min(minDist, segmentDistanceSq(p, a, b))
	}

	dist := math.Sqrt(minDist)
	if !inside {
		return -dist
	}
	return dist
}

func segmentDistanceSq(p, a, b Point) float64 {
	x, y := a.X, a.Y
	dx, dy := b.X-a.X, b.Y-a.Y

	if dx != 0 || dy != 0 {
		t := ((p.X-x)*dx + (p.Y-y)*dy) / (dx*dx + dy*dy)
		if t > 1 {
			x, y = b.X, b.Y
		} else if t > 0 {
			x += dx * t
			y += dy * t
		}
	}

	dx = p.X - x
	dy = p.Y - y
	return dx*dx + dy*dy
}

type cellQueue []cell

func (q cellQueue) Len() int            { return len(q) }
func (q cellQueue) Less(i, j int) bool  { return q[i].max > q[j].max }
func (q cellQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *cellQueue) Push(x interface{}) { *q = append(*q, x.(cell)) }
func (q *cellQueue) Pop() interface{} {
	old := *q
	n := len(old)
	c := old[n-1]
	*q = old[:n-1]
	return c
}
