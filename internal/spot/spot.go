package spot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a spot id is not part of the loaded set.
var ErrNotFound = errors.New("spot not found")

// Point is a pixel coordinate in the camera frame.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Rect is an axis-aligned rectangle with X1 <= X2 and Y1 <= Y2.
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area returns the rectangle's area, or 0 for a degenerate rectangle.
func (r Rect) Area() float64 {
	if r.X2 <= r.X1 || r.Y2 <= r.Y1 {
		return 0
	}
	return (r.X2 - r.X1) * (r.Y2 - r.Y1)
}

// Spot is a parking location bounded by a four-point polygon.
type Spot struct {
	ID      int      `json:"id"`
	Polygon [4]Point `json:"polygon"`
}

// Envelope returns the axis-aligned bounding rectangle of the polygon.
func (s Spot) Envelope() Rect {
	r := Rect{
		X1: float64(s.Polygon[0].X), Y1: float64(s.Polygon[0].Y),
		X2: float64(s.Polygon[0].X), Y2: float64(s.Polygon[0].Y),
	}
	for _, p := range s.Polygon[1:] {
		x, y := float64(p.X), float64(p.Y)
		r.X1 = min(r.X1, x)
		r.Y1 = min(r.Y1, y)
		r.X2 = max(r.X2, x)
		r.Y2 = max(r.Y2, y)
	}
	return r
}

// LoadError describes a spot definition line that could not be parsed.
type LoadError struct {
	Line   int
	Raw    string
	Reason string
}

func (e *LoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("spot definition line %d (%q): %s", e.Line, e.Raw, e.Reason)
	}
	return fmt.Sprintf("spot definition %q: %s", e.Raw, e.Reason)
}

// ConfigError is returned when the spot definition source is missing or unreadable.
// It is not fatal: the registry it accompanies is empty but usable.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("spot definitions %s unavailable: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ParseLine parses one record of eight comma-separated integers into a polygon.
func ParseLine(line string) ([4]Point, error) {
	var poly [4]Point
	raw := strings.TrimSpace(line)
	fields := strings.Split(raw, ",")
	if len(fields) != 8 {
		return poly, &LoadError{Raw: raw, Reason: fmt.Sprintf("expected 8 values (4 points), got %d", len(fields))}
	}

	var coords [8]int
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return poly, &LoadError{Raw: raw, Reason: fmt.Sprintf("value %d is not an integer", i+1)}
		}
		coords[i] = n
	}
	for i := range poly {
		poly[i] = Point{X: coords[2*i], Y: coords[2*i+1]}
	}
	return poly, nil
}

// Registry is the fixed, ordered set of spots. It is never mutated after Load.
type Registry struct {
	spots []Spot
}

// NewRegistry builds a registry from polygons, assigning ids in order.
func NewRegistry(polygons ...[4]Point) *Registry {
	spots := make([]Spot, len(polygons))
	for i, p := range polygons {
		spots[i] = Spot{ID: i, Polygon: p}
	}
	return &Registry{spots: spots}
}

// Load reads spot definitions. Malformed lines are skipped with a warning.
func Load(r io.Reader) (*Registry, error) {
	var polygons [][4]Point
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		poly, err := ParseLine(line)
		if err != nil {
			var le *LoadError
			if errors.As(err, &le) {
				le.Line = lineNo
			}
			log.Printf("Warning: skipping malformed spot: %v", err)
			continue
		}
		polygons = append(polygons, poly)
	}
	if err := scanner.Err(); err != nil {
		return NewRegistry(polygons...), fmt.Errorf("failed to read spot definitions: %w", err)
	}
	return NewRegistry(polygons...), nil
}

// LoadFile loads spots from path. A missing file yields an empty registry and a *ConfigError.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return NewRegistry(), &ConfigError{Path: path, Err: err}
	}
	defer f.Close()

	reg, err := Load(f)
	if err != nil {
		return reg, &ConfigError{Path: path, Err: err}
	}
	return reg, nil
}

// Get returns the spot with the given id.
func (r *Registry) Get(id int) (Spot, error) {
	if id < 0 || id >= len(r.spots) {
		return Spot{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return r.spots[id], nil
}

// Has reports whether id names a loaded spot.
func (r *Registry) Has(id int) bool {
	return id >= 0 && id < len(r.spots)
}

// All returns the spots in id order. The slice is a copy.
func (r *Registry) All() []Spot {
	out := make([]Spot, len(r.spots))
	copy(out, r.spots)
	return out
}

// Len returns the number of loaded spots.
func (r *Registry) Len() int {
	return len(r.spots)
}
