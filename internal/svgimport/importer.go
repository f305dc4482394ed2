// Package svgimport extracts overlay geometry from designer-produced SVG
// floor plans. Elements are matched by id pattern, flattened into point
// outlines, and given a label anchor suitable for rendering text inside the
// shape.
package svgimport

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"masterplan-backend/internal/geometry"
)

// ErrNoGeometry is returned when not a single element imports, whether the
// document had none to offer or every candidate failed. A document where some
// elements fail but others import is not an error; the failures are reported
// per element alongside the successes.
var ErrNoGeometry = errors.New("no importable geometry found in document")

var labelPrefix = regexp.MustCompile(`^(unit|zone|poi|path)[_-]`)

type Options struct {
	// IdPattern filters elements by id. Empty matches every element that has
	// an id.
	IdPattern string

	// OverlayType is stamped on every imported element, e.g. "unit".
	OverlayType string

	// Precision for the label anchor search, in viewBox units.
	Precision float64
}

type Element struct {
	Ref         string
	OverlayType string
	Geometry    geometry.Geometry
	Bounds      geometry.Bounds
	Anchor      geometry.Point
	Label       string
	Layer       string
}

// ElementError reports a single element that could not be imported.
type ElementError struct {
	Ref     string
	Message string
}

func (e ElementError) Error() string {
	return fmt.Sprintf("element %q: %s", e.Ref, e.Message)
}

type Result struct {
	ViewBox  string
	Elements []Element
	Errors   []ElementError
}

// Parse walks the SVG token stream and collects matching elements. Parent
// group ids are tracked so elements can be attributed to a named layer.
func Parse(r io.Reader, opts Options) (*Result, error) {
	var pattern *regexp.Regexp
	if opts.IdPattern != "" {
		var err error
		pattern, err = regexp.Compile(opts.IdPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid id pattern %q: %w", opts.IdPattern, err)
		}
	}

	decoder := xml.NewDecoder(r)
	result := &Result{}
	var groupStack []string

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed svg document: %w", err)
		}

		switch tok := token.(type) {
		case xml.StartElement:
			switch tok.Name.Local {
			case "svg":
				result.ViewBox = attr(tok, "viewBox")
			case "g":
				groupStack = append(groupStack, attr(tok, "id"))
			default:
				id := attr(tok, "id")
				if id == "" || (pattern != nil && !pattern.MatchString(id)) {
					continue
				}
				elem, convErr := convert(tok, id, opts)
				if convErr != nil {
					result.Errors = append(result.Errors, ElementError{Ref: id, Message: convErr.Error()})
					continue
				}
				if elem != nil {
					elem.Layer = currentLayer(groupStack)
					result.Elements = append(result.Elements, *elem)
				}
			}
		case xml.EndElement:
			if tok.Name.Local == "g" && len(groupStack) > 0 {
				groupStack = groupStack[:len(groupStack)-1]
			}
		}
	}

	if len(result.Elements) == 0 {
		errs := make([]error, 0, len(result.Errors)+1)
		errs = append(errs, ErrNoGeometry)
		for _, elemErr := range result.Errors {
			errs = append(errs, elemErr)
		}
		return nil, errors.Join(errs...)
	}
	return result, nil
}

// convert turns one SVG shape element into an overlay element, or returns nil
// for element kinds we do not import.
func convert(tok xml.StartElement, id string, opts Options) (*Element, error) {
	var (
		geom   geometry.Geometry
		points []geometry.Point
	)

	switch tok.Name.Local {
	case "path":
		d := attr(tok, "d")
		if d == "" {
			return nil, errors.New("path element has no d attribute")
		}
		flattened, err := geometry.FlattenPath(d)
		if err != nil {
			return nil, err
		}
		geom = geometry.Path{D: d}
		points = flattened
	case "polygon", "polyline":
		parsed, err := parsePoints(attr(tok, "points"))
		if err != nil {
			return nil, err
		}
		geom = geometry.Polygon{Points: parsed}
		points = parsed
	case "rect":
		x, err := floatAttr(tok, "x")
		if err != nil {
			return nil, err
		}
		y, err := floatAttr(tok, "y")
		if err != nil {
			return nil, err
		}
		w, err := floatAttr(tok, "width")
		if err != nil {
			return nil, err
		}
		h, err := floatAttr(tok, "height")
		if err != nil {
			return nil, err
		}
		points = []geometry.Point{{X: x, Y: y}, {X: x + w, Y: y}, {X: x + w, Y: y + h}, {X: x, Y: y + h}}
		geom = geometry.Polygon{Points: points}
	case "circle", "ellipse":
		cx, err := floatAttr(tok, "cx")
		if err != nil {
			return nil, err
		}
		cy, err := floatAttr(tok, "cy")
		if err != nil {
			return nil, err
		}
		center := geometry.Point{X: cx, Y: cy}
		geom = center
		points = []geometry.Point{center}
	default:
		return nil, nil
	}

	bounds := geometry.BoundsOf(points)
	var anchor geometry.Point
	if len(points) >= 3 {
		anchor = geometry.LabelAnchor(points, opts.Precision)
	} else {
		anchor = bounds.Center()
	}

	return &Element{
		Ref:         id,
		OverlayType: opts.OverlayType,
		Geometry:    geom,
		Bounds:      bounds,
		Anchor:      anchor,
		Label:       labelFromId(id),
	}, nil
}

func parsePoints(raw string) ([]geometry.Point, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	if len(fields) == 0 {
		return nil, errors.New("element has no points")
	}
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("odd number of coordinates (%d)", len(fields))
	}

	points := make([]geometry.Point, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		x, err := parseCoord(fields[i])
		if err != nil {
			return nil, err
		}
		y, err := parseCoord(fields[i+1])
		if err != nil {
			return nil, err
		}
		points = append(points, geometry.Point{X: x, Y: y})
	}
	return points, nil
}

func parseCoord(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q", s)
	}
	// ParseFloat accepts "NaN" and "Inf"; neither is usable geometry.
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite coordinate %q", s)
	}
	return v, nil
}

func attr(tok xml.StartElement, name string) string {
	for _, a := range tok.Attr {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}

func floatAttr(tok xml.StartElement, name string) (float64, error) {
	raw := attr(tok, name)
	if raw == "" {
		return 0, fmt.Errorf("missing %s attribute", name)
	}
	return parseCoord(raw)
}

func currentLayer(groups []string) string {
	for i := len(groups) - 1; i >= 0; i-- {
		if groups[i] != "" {
			return groups[i]
		}
	}
	return ""
}

// labelFromId derives a display label from an element id: the type prefix is
// dropped and separators become spaces, so "unit_a-101" shows as "A 101".
func labelFromId(id string) string {
	s := labelPrefix.ReplaceAllString(id, "")
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return id
	}

	words := strings.Fields(s)
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
