// Package dice parses and evaluates the dice notation used by chat macros
// and combat resolution: `NdS+K`, `NdS-K`, or a bare integer. Die sizes are
// restricted to the ruleset's polyhedral set {4, 6, 8, 10, 12}.
package dice

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrNotation = errors.New("dice: invalid notation")
	ErrDieSize  = errors.New("dice: unsupported die size")
	ErrDieCount = errors.New("dice: die count out of range")
)

// MaxDice caps the number of dice in a single roll.
const MaxDice = 20

var notationRe = regexp.MustCompile(`(?i)^\s*(\d+)?d(\d+)(\s*[+-]\s*\d+)?\s*$`)

var validSides = map[int]bool{4: true, 6: true, 8: true, 10: true, 12: true}

// Roller produces uniform die rolls in [1, sides]. Implementations must be
// safe for use from a single goroutine; callers that share a Roller across
// goroutines provide their own serialization.
type Roller interface {
	Roll(sides int) int
}

// RollerFunc adapts a function to the [Roller] interface.
type RollerFunc func(sides int) int

func (f RollerFunc) Roll(sides int) int { return f(sides) }

// NewRoller returns a Roller backed by a freshly seeded PRNG.
func NewRoller() Roller {
	return RollerFunc(func(sides int) int {
		return rand.IntN(sides) + 1
	})
}

// NewSeededRoller returns a deterministic Roller for the given seed.
func NewSeededRoller(seed uint64) Roller {
	src := rand.New(rand.NewPCG(seed, seed))
	return RollerFunc(func(sides int) int {
		return src.IntN(sides) + 1
	})
}

// Notation is a parsed dice expression. When Constant is true the expression
// was a bare integer held in Modifier and no dice are rolled.
type Notation struct {
	Count    int
	Sides    int
	Modifier int
	Constant bool
}

// String renders the notation in canonical `NdS±K` form.
func (n Notation) String() string {
	if n.Constant {
		return strconv.Itoa(n.Modifier)
	}
	s := fmt.Sprintf("%dd%d", n.Count, n.Sides)
	switch {
	case n.Modifier > 0:
		s += "+" + strconv.Itoa(n.Modifier)
	case n.Modifier < 0:
		s += strconv.Itoa(n.Modifier)
	}
	return s
}

// Parse validates and decomposes a dice expression. The count defaults to 1
// when omitted and must be within [1, MaxDice]; the die size must be one of
// {4, 6, 8, 10, 12}. A bare integer (possibly negative) is also accepted.
func Parse(s string) (Notation, error) {
	trimmed := strings.TrimSpace(s)
	if v, err := strconv.Atoi(trimmed); err == nil {
		return Notation{Modifier: v, Constant: true}, nil
	}

	m := notationRe.FindStringSubmatch(s)
	if m == nil {
		return Notation{}, fmt.Errorf("%w: %q", ErrNotation, s)
	}

	count := 1
	if m[1] != "" {
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return Notation{}, fmt.Errorf("%w: %q", ErrNotation, s)
		}
		count = v
	}
	if count < 1 || count > MaxDice {
		return Notation{}, fmt.Errorf("%w: %d (max %d)", ErrDieCount, count, MaxDice)
	}

	sides, err := strconv.Atoi(m[2])
	if err != nil || !validSides[sides] {
		return Notation{}, fmt.Errorf("%w: d%s", ErrDieSize, m[2])
	}

	modifier := 0
	if m[3] != "" {
		v, err := strconv.Atoi(strings.ReplaceAll(m[3], " ", ""))
		if err != nil {
			return Notation{}, fmt.Errorf("%w: %q", ErrNotation, s)
		}
		modifier = v
	}

	return Notation{Count: count, Sides: sides, Modifier: modifier}, nil
}

// Result is an evaluated dice expression: the canonical notation, the
// individual die results, the flat modifier, and the total.
type Result struct {
	Notation string `json:"notation"`
	Rolls    []int  `json:"rolls"`
	Modifier int    `json:"modifier"`
	Total    int    `json:"total"`
}

// Breakdown renders a human-readable trace of the roll, e.g.
// "2d6+3 → (3 + 1) + 3 = 7".
func (r Result) Breakdown() string {
	if len(r.Rolls) == 0 {
		return fmt.Sprintf("%s = %d", r.Notation, r.Total)
	}
	parts := make([]string, len(r.Rolls))
	for i, roll := range r.Rolls {
		parts[i] = strconv.Itoa(roll)
	}
	s := r.Notation + " → (" + strings.Join(parts, " + ") + ")"
	switch {
	case r.Modifier > 0:
		s += fmt.Sprintf(" + %d", r.Modifier)
	case r.Modifier < 0:
		s += fmt.Sprintf(" - %d", -r.Modifier)
	}
	return fmt.Sprintf("%s = %d", s, r.Total)
}

// Evaluate parses notation and rolls it with r.
func Evaluate(r Roller, notation string) (Result, error) {
	n, err := Parse(notation)
	if err != nil {
		return Result{}, err
	}
	return roll(r, n), nil
}

// roll executes a parsed notation.
func roll(r Roller, n Notation) Result {
	res := Result{Notation: n.String(), Modifier: n.Modifier, Total: n.Modifier}
	if n.Constant {
		return res
	}
	res.Rolls = make([]int, n.Count)
	for i := range res.Rolls {
		v := r.Roll(n.Sides)
		res.Rolls[i] = v
		res.Total += v
	}
	return res
}
