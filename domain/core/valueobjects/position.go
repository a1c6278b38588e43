package valueobjects

import (
	"errors"
	"math"
)

// Position is a point on the board canvas
type Position struct {
	X float64 `json:"x" dynamodbav:"x"`
	Y float64 `json:"y" dynamodbav:"y"`
}

// NewPosition validates the coordinates
func NewPosition(x, y float64) (Position, error) {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return Position{}, errors.New("position coordinates must be finite")
	}
	return Position{X: x, Y: y}, nil
}

// DistanceTo returns the euclidean distance between two positions
func (p Position) DistanceTo(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}
