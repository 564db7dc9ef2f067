package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	MinBoardSize = 2
	MaxBoardSize = 25
)

// columns are the GTP column letters, I is never used.
const columns = "ABCDEFGHJKLMNOPQRSTUVWXYZ"

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a board intersection. X counts columns from the left (A = 0),
// Y counts rows from the bottom (row 1 = 0).
type Point struct {
	X, Y int
	Pass bool
}

var PassPoint = Point{Pass: true}

// ParsePoint parses GTP notation ("D4", "t19", "pass") for a width x height
// board.
func ParsePoint(s string, width, height int) (Point, error) {
	if strings.EqualFold(s, "pass") {
		return PassPoint, nil
	}
	if len(s) < 2 {
		return Point{}, fmt.Errorf("%w %q", ErrInvalidCoordinate, s)
	}
	x := strings.IndexByte(columns, upper(s[0]))
	if x < 0 {
		return Point{}, fmt.Errorf("%w %q: unknown column", ErrInvalidCoordinate, s)
	}
	if x >= width {
		return Point{}, fmt.Errorf("%w %q: column outside %dx%d board", ErrInvalidCoordinate, s, width, height)
	}
	digits := s[1:]
	if digits[0] == '0' || strings.IndexFunc(digits, notDigit) >= 0 {
		return Point{}, fmt.Errorf("%w %q: malformed row", ErrInvalidCoordinate, s)
	}
	row, err := strconv.Atoi(digits)
	if err != nil || row > height {
		return Point{}, fmt.Errorf("%w %q: row outside %dx%d board", ErrInvalidCoordinate, s, width, height)
	}
	return Point{X: x, Y: row - 1}, nil
}

// Format returns the canonical upper-case GTP notation of p.
func (p Point) Format() string {
	if p.Pass {
		return "pass"
	}
	if p.X < 0 || p.X >= len(columns) || p.Y < 0 {
		return fmt.Sprintf("(%d,%d)", p.X, p.Y)
	}
	return string(columns[p.X]) + strconv.Itoa(p.Y+1)
}

func (p Point) String() string {
	return p.Format()
}

// OnBoard reports whether p is a pass or lies on a width x height board.
func (p Point) OnBoard(width, height int) bool {
	return p.Pass || (p.X >= 0 && p.X < width && p.Y >= 0 && p.Y < height)
}

// canonicalMove parses and re-formats a move, so the engine always sees the
// same spelling for the same point.
func canonicalMove(s string, width, height int) (string, error) {
	p, err := ParsePoint(s, width, height)
	if err != nil {
		return "", err
	}
	return p.Format(), nil
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}

func notDigit(r rune) bool {
	return r < '0' || r > '9'
}
