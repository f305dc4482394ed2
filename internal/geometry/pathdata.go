package geometry

import (
	"fmt"
	"math"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Number of straight segments each Bezier curve is flattened into. Label
// anchoring only needs the rough footprint of a shape, so a small fixed count
// is enough.
const curveSegments = 8

var pathLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Command", Pattern: `[MmLlHhVvCcSsQqTtAaZz]`},
	{Name: "Number", Pattern: `[-+]?(\d+\.?\d*|\.\d+)([eE][-+]?\d+)?`},
	{Name: "Sep", Pattern: `[\s,]+`},
})

type pathSegment struct {
	Command string    `parser:"@Command"`
	Args    []float64 `parser:"@Number*"`
}

type pathData struct {
	Segments []*pathSegment `parser:"@@*"`
}

var pathParser = participle.MustBuild[pathData](
	participle.Lexer(pathLexer),
	participle.Elide("Sep"),
)

// FlattenPath converts SVG path data into a point sequence approximating its
// outline. Curves are sampled at a fixed number of steps; arcs contribute
// their endpoints only.
func FlattenPath(d string) ([]Point, error) {
	parsed, err := pathParser.ParseString("", strings.TrimSpace(d))
	if err != nil {
		return nil, fmt.Errorf("invalid path data: %w", err)
	}
	if len(parsed.Segments) == 0 {
		return nil, fmt.Errorf("empty path data")
	}

	var (
		points  []Point
		current Point
		start   Point
		// Previous control point, for S/T reflection.
		lastCubicCtrl Point
		lastQuadCtrl  Point
		lastCommand   string
	)

	emit := func(p Point) {
		points = append(points, p)
		current = p
	}

	for _, seg := range parsed.Segments {
		cmd := seg.Command
		args := seg.Args
		relative := cmd == strings.ToLower(cmd) && cmd != "Z" && cmd != "z"

		for _, a := range args {
			if math.IsNaN(a) || math.IsInf(a, 0) {
				return nil, fmt.Errorf("non-finite coordinate in %q command", cmd)
			}
		}

		abs := func(x, y float64) Point {
			if relative {
				return Point{X: current.X + x, Y: current.Y + y}
			}
			return Point{X: x, Y: y}
		}

		switch strings.ToUpper(cmd) {
		case "M":
			if err := checkArity(cmd, args, 2); err != nil {
				return nil, err
			}
			for i := 0; i < len(args); i += 2 {
				p := abs(args[i], args[i+1])
				emit(p)
				if i == 0 {
					start = p
				}
			}
		case "L":
			if err := checkArity(cmd, args, 2); err != nil {
				return nil, err
			}
			for i := 0; i < len(args); i += 2 {
				emit(abs(args[i], args[i+1]))
			}
		case "H":
			if err := checkArity(cmd, args, 1); err != nil {
				return nil, err
			}
			for _, x := range args {
				if relative {
					emit(Point{X: current.X + x, Y: current.Y})
				} else {
					emit(Point{X: x, Y: current.Y})
				}
			}
		case "V":
			if err := checkArity(cmd, args, 1); err != nil {
				return nil, err
			}
			for _, y := range args {
				if relative {
					emit(Point{X: current.X, Y: current.Y + y})
				} else {
					emit(Point{X: current.X, Y: y})
				}
			}
		case "C":
			if err := checkArity(cmd, args, 6); err != nil {
				return nil, err
			}
			for i := 0; i < len(args); i += 6 {
				c1 := abs(args[i], args[i+1])
				c2 := abs(args[i+2], args[i+3])
				end := abs(args[i+4], args[i+5])
				sampleCubic(current, c1, c2, end, emit)
				lastCubicCtrl = c2
			}
		case "S":
			if err := checkArity(cmd, args, 4); err != nil {
				return nil, err
			}
			for i := 0; i < len(args); i += 4 {
				c1 := current
				if isCubic(lastCommand) {
					c1 = reflect(current, lastCubicCtrl)
				}
				c2 := abs(args[i], args[i+1])
				end := abs(args[i+2], args[i+3])
				sampleCubic(current, c1, c2, end, emit)
				lastCubicCtrl = c2
			}
		case "Q":
			if err := checkArity(cmd, args, 4); err != nil {
				return nil, err
			}
			for i := 0; i < len(args); i += 4 {
				c := abs(args[i], args[i+1])
				end := abs(args[i+2], args[i+3])
				sampleQuad(current, c, end, emit)
				lastQuadCtrl = c
			}
		case "T":
			if err := checkArity(cmd, args, 2); err != nil {
				return nil, err
			}
			for i := 0; i < len(args); i += 2 {
				c := current
				if isQuad(lastCommand) {
					c = reflect(current, lastQuadCtrl)
				}
				end := abs(args[i], args[i+1])
				sampleQuad(current, c, end, emit)
				lastQuadCtrl = c
			}
		case "A":
			if err := checkArity(cmd, args, 7); err != nil {
				return nil, err
			}
			for i := 0; i < len(args); i += 7 {
				emit(abs(args[i+5], args[i+6]))
			}
		case "Z":
			if len(args) != 0 {
				return nil, fmt.Errorf("%q command takes no arguments", cmd)
			}
			current = start
		}
		lastCommand = strings.ToUpper(cmd)
	}

	if len(points) == 0 {
		return nil, fmt.Errorf("path data produced no coordinates")
	}
	return points, nil
}

func checkArity(cmd string, args []float64, per int) error {
	if len(args) == 0 || len(args)%per != 0 {
		return fmt.Errorf("%q command expects a multiple of %d arguments, got %d", cmd, per, len(args))
	}
	return nil
}

func isCubic(cmd string) bool { return cmd == "C" || cmd == "S" }
func isQuad(cmd string) bool  { return cmd == "Q" || cmd == "T" }

func reflect(about, p Point) Point {
	return Point{X: 2*about.X - p.X, Y: 2*about.Y - p.Y}
}

func sampleCubic(p0, c1, c2, p1 Point, emit func(Point)) {
	for i := 1; i <= curveSegments; i++ {
		t := float64(i) / curveSegments
		u := 1 - t
		emit(Point{
			X: u*u*u*p0.X + 3*u*u*t*c1.X + 3*u*t*t*c2.X + t*t*t*p1.X,
			Y: u*u*u*p0.Y + 3*u*u*t*c1.Y + 3*u*t*t*c2.Y + t*t*t*p1.Y,
		})
	}
}

func sampleQuad(p0, c, p1 Point, emit func(Point)) {
	for i := 1; i <= curveSegments; i++ {
		t := float64(i) / curveSegments
		u := 1 - t
		emit(Point{
			X: u*u*p0.X + 2*u*t*c.X + t*t*p1.X,
			Y: u*u*p0.Y + 2*u*t*c.Y + t*t*p1.Y,
		})
	}
}
