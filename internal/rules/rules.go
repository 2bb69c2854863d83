// Package rules holds the level-gated tables and stat constraints of the
// TBA v1.5 ruleset: damage points, Edge and BAP progression, attack styles,
// and the fixed defense die per level band.
package rules

import (
	"errors"
	"fmt"
	"slices"
)

const (
	// MinLevel and MaxLevel bound character progression.
	MinLevel = 1
	MaxLevel = 10

	// StatMin, StatMax, and StatSum constrain the PP/IP/SP spread: each
	// stat is in [1,3] and the three always add up to 6.
	StatMin = 1
	StatMax = 3
	StatSum = 6

	// DefaultUsesPerLevel is the ability budget multiplier: uses_remaining
	// resets to DefaultUsesPerLevel × level when an encounter ends.
	DefaultUsesPerLevel = 3
)

var (
	ErrLevel = errors.New("rules: level out of range")
	ErrStats = errors.New("rules: invalid stat spread")
	ErrStyle = errors.New("rules: attack style not allowed at level")
)

// attackStyles lists the allowed attack-style notations per level band
// (levels 1-2, 3-4, 5-6, 7-8, 9-10).
var attackStyles = [5][]string{
	{"1d4"},
	{"2d4", "1d6"},
	{"3d4", "2d6", "1d8"},
	{"4d4", "3d6", "2d8", "1d10"},
	{"5d4", "4d6", "3d8", "2d10", "1d12"},
}

// defenseDice is the fixed defense die per level band.
var defenseDice = [5]string{"1d4", "1d6", "1d8", "1d10", "1d12"}

// band maps a level to its 0-based level band (two levels per band).
func band(level int) int {
	return (level - 1) / 2
}

// DPForLevel returns the maximum damage points for a level:
// 10 at level 1, +5 per level up to 55 at level 10.
func DPForLevel(level int) int {
	return 5 + 5*level
}

// EdgeForLevel returns the flat Edge bonus for a level (0 at level 1,
// rising to 5 at level 10).
func EdgeForLevel(level int) int {
	return level / 2
}

// BAPForLevel returns the creativity bonus (BAP) for a level (1 at level 1,
// rising to 5 at level 9).
func BAPForLevel(level int) int {
	return (level + 1) / 2
}

// AttackStyles returns the attack-style notations a character of the given
// level may choose from. The returned slice must not be modified.
func AttackStyles(level int) []string {
	if err := ValidateLevel(level); err != nil {
		return nil
	}
	return attackStyles[band(level)]
}

// DefenseDie returns the level-fixed defense die notation.
func DefenseDie(level int) string {
	if err := ValidateLevel(level); err != nil {
		return ""
	}
	return defenseDice[band(level)]
}

// ValidateLevel checks that level is within [MinLevel, MaxLevel].
func ValidateLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return fmt.Errorf("%w: %d", ErrLevel, level)
	}
	return nil
}

// ValidateStats checks the PP/IP/SP spread: each in [1,3], sum exactly 6.
func ValidateStats(pp, ip, sp int) error {
	for _, v := range [3]int{pp, ip, sp} {
		if v < StatMin || v > StatMax {
			return fmt.Errorf("%w: stat %d out of [%d,%d]", ErrStats, v, StatMin, StatMax)
		}
	}
	if pp+ip+sp != StatSum {
		return fmt.Errorf("%w: %d+%d+%d != %d", ErrStats, pp, ip, sp, StatSum)
	}
	return nil
}

// ValidateAttackStyle checks that style is one of the notations allowed at
// the given level.
func ValidateAttackStyle(level int, style string) error {
	if err := ValidateLevel(level); err != nil {
		return err
	}
	if !slices.Contains(attackStyles[band(level)], style) {
		return fmt.Errorf("%w: %q at level %d", ErrStyle, style, level)
	}
	return nil
}

// AbilityBudget returns the per-ability use budget for a level given the
// configured multiplier (uses per level). A multiplier of 0 falls back to
// [DefaultUsesPerLevel].
func AbilityBudget(level, usesPerLevel int) int {
	if usesPerLevel <= 0 {
		usesPerLevel = DefaultUsesPerLevel
	}
	return usesPerLevel * level
}
