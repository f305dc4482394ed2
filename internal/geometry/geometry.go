package geometry

import (
	"encoding/json"
	"fmt"
	"math"
)

// Point is a 2-D coordinate. It doubles as the point-geometry variant.
type Point struct {
	X float64
	Y float64
}

// Geometry is a closed sum over the shapes an overlay can carry. Consumers
// switch exhaustively on the concrete type instead of inspecting raw maps.
type Geometry interface {
	geometryType() string
}

// Path carries raw SVG path data.
type Path struct {
	D string
}

type Polygon struct {
	Points []Point
}

func (Path) geometryType() string    { return "path" }
func (Polygon) geometryType() string { return "polygon" }
func (Point) geometryType() string   { return "point" }

func (p Path) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		D    string `json:"d"`
	}{Type: "path", D: p.D})
}

func (p Polygon) MarshalJSON() ([]byte, error) {
	points := make([][2]float64, len(p.Points))
	for i, pt := range p.Points {
		points[i] = [2]float64{pt.X, pt.Y}
	}
	return json.Marshal(struct {
		Type   string       `json:"type"`
		Points [][2]float64 `json:"points"`
	}{Type: "polygon", Points: points})
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string  `json:"type"`
		X    float64 `json:"x"`
		Y    float64 `json:"y"`
	}{Type: "point", X: p.X, Y: p.Y})
}

// Decode parses a geometry document produced by MarshalJSON back into its
// concrete variant.
func Decode(data []byte) (Geometry, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("invalid geometry document: %w", err)
	}

	switch tag.Type {
	case "path":
		var doc struct {
			D string `json:"d"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid path geometry: %w", err)
		}
		return Path{D: doc.D}, nil
	case "polygon":
		var doc struct {
			Points [][2]float64 `json:"points"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid polygon geometry: %w", err)
		}
		points := make([]Point, len(doc.Points))
		for i, pt := range doc.Points {
			points[i] = Point{X: pt[0], Y: pt[1]}
		}
		return Polygon{Points: points}, nil
	case "point":
		var doc struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid point geometry: %w", err)
		}
		return Point{X: doc.X, Y: doc.Y}, nil
	default:
		return nil, fmt.Errorf("unknown geometry type %q", tag.Type)
	}
}

type Bounds struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

func BoundsOf(points []Point) Bounds {
	if len(points) == 0 {
		return Bounds{}
	}

	b := Bounds{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
	}
	for _, p := range points {
		b.MinX = math.Min(b.MinX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MaxY = math.Max(b.MaxY, p.Y)
	}
	return b
}

func (b Bounds) Center() Point {
	return Point{X: (b.MinX + b.MaxX) / 2, Y: (b.MinY + b.MaxY) / 2}
}

func (b Bounds) Contains(p Point) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}
