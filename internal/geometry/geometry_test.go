package geometry

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeometryRoundTrip(t *testing.T) {
	cases := []Geometry{
		Path{D: "M 0 0 L 10 0 L 10 10 Z"},
		Polygon{Points: []Point{{0, 0}, {100, 0}, {100, 100}, {0, 100}}},
		Point{X: 42.5, Y: 17.25},
	}

	for _, geom := range cases {
		data, err := json.Marshal(geom)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, geom, decoded)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type": "circle", "r": 5}`))
	assert.ErrorContains(t, err, "unknown geometry type")
}

func TestBoundsOf(t *testing.T) {
	b := BoundsOf([]Point{{10, 20}, {-5, 40}, {30, -10}})
	assert.Equal(t, Bounds{MinX: -5, MinY: -10, MaxX: 30, MaxY: 40}, b)
	assert.Equal(t, Point{X: 12.5, Y: 15}, b.Center())
	assert.True(t, b.Contains(Point{X: 0, Y: 0}))
	assert.False(t, b.Contains(Point{X: 100, Y: 0}))
}

func TestFlattenPathLines(t *testing.T) {
	points, err := FlattenPath("M 0 0 L 100 0 L 100 100 L 0 100 Z")
	require.NoError(t, err)

	b := BoundsOf(points)
	assert.Equal(t, Bounds{MinX: 0, MinY: 0, MaxX: 100, MaxY: 100}, b)
}

func TestFlattenPathRelativeAndShorthand(t *testing.T) {
	points, err := FlattenPath("M 10 10 l 20 0 v 20 h -20 z")
	require.NoError(t, err)

	b := BoundsOf(points)
	assert.Equal(t, Bounds{MinX: 10, MinY: 10, MaxX: 30, MaxY: 30}, b)
}

func TestFlattenPathCurves(t *testing.T) {
	points, err := FlattenPath("M 0 0 C 0 100 100 100 100 0")
	require.NoError(t, err)
	require.NotEmpty(t, points)

	// Curve samples must stay within the control-point hull.
	b := BoundsOf(points)
	assert.GreaterOrEqual(t, b.MinX, 0.0)
	assert.LessOrEqual(t, b.MaxX, 100.0)
	assert.LessOrEqual(t, b.MaxY, 100.0)
	// The curve rises well above its endpoints.
	assert.Greater(t, b.MaxY, 50.0)
}

func TestFlattenPathImplicitLineTo(t *testing.T) {
	// Coordinate pairs after the first M pair are implicit line-tos.
	points, err := FlattenPath("M 0 0 10 0 10 10")
	require.NoError(t, err)
	assert.Len(t, points, 3)
	assert.Equal(t, Point{X: 10, Y: 10}, points[2])
}

func TestFlattenPathRejectsNaN(t *testing.T) {
	_, err := FlattenPath("M NaN 5 L 10 10")
	assert.Error(t, err)
}

func TestFlattenPathRejectsBadArity(t *testing.T) {
	_, err := FlattenPath("M 0 0 L 10")
	assert.ErrorContains(t, err, "multiple of 2")
}

func TestFlattenPathRejectsEmpty(t *testing.T) {
	_, err := FlattenPath("   ")
	assert.Error(t, err)
}

func TestLabelAnchorSquare(t *testing.T) {
	square := []Point{{0, 0}, {100, 0}, {100, 100}, {0, 100}}

	anchor := LabelAnchor(square, 1.0)
	assert.InDelta(t, 50, anchor.X, 1.5)
	assert.InDelta(t, 50, anchor.Y, 1.5)
}

func TestLabelAnchorConcave(t *testing.T) {
	// U-shape: the bounding box center (50, 50) sits in the notch, outside
	// the polygon. The anchor must land inside one of the arms or the base.
	u := []Point{
		{0, 0}, {100, 0}, {100, 100}, {70, 100},
		{70, 30}, {30, 30}, {30, 100}, {0, 100},
	}

	anchor := LabelAnchor(u, 0.5)
	assert.Greater(t, signedDistance(anchor, u), 0.0)
	// Bbox center would have negative distance here.
	assert.Less(t, signedDistance(Point{X: 50, Y: 50}, u), 0.0)
}

func TestLabelAnchorDegenerate(t *testing.T) {
	line := []Point{{0, 0}, {100, 0}}
	anchor := LabelAnchor(line, 1.0)
	assert.Equal(t, Point{X: 50, Y: 0}, anchor)

	flat := []Point{{0, 5}, {100, 5}, {50, 5}}
	anchor = LabelAnchor(flat, 1.0)
	assert.False(t, math.IsNaN(anchor.X))
	assert.Equal(t, 5.0, anchor.Y)
}
