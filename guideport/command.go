package guideport

import (
	"fmt"
	"math"

	"github.com/nasa-jpl/autoguide/mathx"
)

// Command is one activation of the guide port.  Each field is the time in
// seconds the corresponding output is held active.  For a valid command no
// field is negative and at most one direction per axis is active.
type Command struct {
	RAPlus   float64 `json:"raPlus"`
	RAMinus  float64 `json:"raMinus"`
	DecPlus  float64 `json:"decPlus"`
	DecMinus float64 `json:"decMinus"`
}

// Split turns signed per-axis durations into a Command
func Split(ra, dec float64) Command {
	var c Command
	if ra > 0 {
		c.RAPlus = ra
	} else if ra < 0 {
		c.RAMinus = -ra
	}
	if dec > 0 {
		c.DecPlus = dec
	} else if dec < 0 {
		c.DecMinus = -dec
	}
	return c
}

// Net is the signed duration on each axis, RA in X and DEC in Y
func (c Command) Net() mathx.Point {
	return mathx.Point{X: c.RAPlus - c.RAMinus, Y: c.DecPlus - c.DecMinus}
}

// Longest is the longest of the four durations
func (c Command) Longest() float64 {
	return math.Max(math.Max(c.RAPlus, c.RAMinus), math.Max(c.DecPlus, c.DecMinus))
}

// Total is the sum of the four durations
func (c Command) Total() float64 {
	return c.RAPlus + c.RAMinus + c.DecPlus + c.DecMinus
}

// IsZero is true if no output is activated
func (c Command) IsZero() bool {
	return c == Command{}
}

// Add sums two commands field by field
func (c Command) Add(o Command) Command {
	return Command{
		RAPlus:   c.RAPlus + o.RAPlus,
		RAMinus:  c.RAMinus + o.RAMinus,
		DecPlus:  c.DecPlus + o.DecPlus,
		DecMinus: c.DecMinus + o.DecMinus,
	}
}

// Valid returns an error if c has negative, NaN or conflicting durations
func (c Command) Valid() error {
	for _, v := range []float64{c.RAPlus, c.RAMinus, c.DecPlus, c.DecMinus} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("guideport: invalid duration in %v", c)
		}
	}
	if c.RAPlus > 0 && c.RAMinus > 0 {
		return fmt.Errorf("guideport: RA+ and RA- both active in %v", c)
	}
	if c.DecPlus > 0 && c.DecMinus > 0 {
		return fmt.Errorf("guideport: DEC+ and DEC- both active in %v", c)
	}
	return nil
}

func (c Command) String() string {
	return fmt.Sprintf("RA+%.3f RA-%.3f DEC+%.3f DEC-%.3f", c.RAPlus, c.RAMinus, c.DecPlus, c.DecMinus)
}
