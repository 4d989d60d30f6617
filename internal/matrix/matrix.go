// Package matrix maps a (likelihood, consequence) pair onto the curated 5x5
// severity grid. Both tables are hand-maintained lookups; neither is derived
// from a product of the inputs.
package matrix

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	MinValue = 1
	MaxValue = 5

	// IssueLikelihood is the pinned likelihood of an issue: it already happened.
	IssueLikelihood = MaxValue
)

// Level is the qualitative band of a cell.
type Level int

const (
	Low Level = iota + 1
	Moderate
	High
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Moderate:
		return "moderate"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// Color is the chart band consumers paint the level with.
func (l Level) Color() string {
	switch l {
	case Low:
		return "green"
	case Moderate:
		return "yellow"
	case High:
		return "red"
	default:
		return ""
	}
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel accepts the lower-case level names.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "moderate":
		return Moderate, nil
	case "high":
		return High, nil
	}
	return 0, fmt.Errorf("invalid level %q", s)
}

// rankTable[a-1][b-1]. A permutation of 1..25, strictly increasing along
// both axes, and banded: every low cell < every moderate cell < every high cell.
var rankTable = [MaxValue][MaxValue]int{
	{1, 2, 9, 10, 15},
	{3, 4, 11, 14, 19},
	{5, 6, 13, 18, 21},
	{7, 12, 17, 22, 24},
	{8, 16, 20, 23, 25},
}

var levelTable = [MaxValue][MaxValue]Level{
	{Low, Low, Low, Low, Moderate},
	{Low, Low, Low, Moderate, Moderate},
	{Low, Low, Moderate, Moderate, High},
	{Low, Moderate, Moderate, High, High},
	{Low, Moderate, High, High, High},
}

// Score is the classification of one cell.
type Score struct {
	Likelihood int   `json:"likelihood"`
	Impact     int   `json:"impact"`
	Level      Level `json:"level"`
	Rank       int   `json:"rank"`
}

// Clamp forces v into [MinValue, MaxValue].
func Clamp(v int) int {
	if v < MinValue {
		return MinValue
	}
	if v > MaxValue {
		return MaxValue
	}
	return v
}

// InRange reports whether v is a valid ordinal value without clamping.
func InRange(v int) bool {
	return v >= MinValue && v <= MaxValue
}

// Classify looks up the cell for (a, b) after clamping both.
func Classify(a, b int) Score {
	a, b = Clamp(a), Clamp(b)
	return Score{
		Likelihood: a,
		Impact:     b,
		Level:      levelTable[a-1][b-1],
		Rank:       rankTable[a-1][b-1],
	}
}

// ClassifySingle classifies a one-dimensional score whose likelihood is pinned.
func ClassifySingle(b int) Score {
	return Classify(IssueLikelihood, b)
}

// Cell is one entry of the full grid, used by consumers drawing the matrix.
type Cell struct {
	Score
	Color string `json:"color"`
}

// Grid returns all 25 cells, likelihood-major.
func Grid() []Cell {
	cells := make([]Cell, 0, MaxValue*MaxValue)
	for a := MinValue; a <= MaxValue; a++ {
		for b := MinValue; b <= MaxValue; b++ {
			s := Classify(a, b)
			cells = append(cells, Cell{Score: s, Color: s.Level.Color()})
		}
	}
	return cells
}
