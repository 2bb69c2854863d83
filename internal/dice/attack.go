package dice

import "fmt"

// Outcome labels the aggregate result of a multi-die attack.
type Outcome string

const (
	OutcomeMiss       Outcome = "miss"
	OutcomePartialHit Outcome = "partial_hit"
	OutcomeFullHit    Outcome = "full_hit"
)

// AttackInput carries everything needed to resolve a basic attack: the
// attacker's style and flat bonuses, and the defender's die and bonuses.
type AttackInput struct {
	AttackStyle  string // e.g. "3d4"
	AttackerStat int    // stat value behind the attack (usually PP)
	AttackerEdge int
	AttackerBAP  int
	BAPTriggered bool
	WeaponBonus  int

	DefenseDie   string // e.g. "1d8"
	DefenderPP   int
	DefenderEdge int
	ArmorBonus   int
}

// DieOutcome records one attacker die contested against the shared defense
// total. JSON field names match the combat_result wire payload.
type DieOutcome struct {
	Attack  int `json:"a"`
	Defense int `json:"d"`
	Margin  int `json:"margin"`
	Damage  int `json:"damage"`
}

// AttackResult is a fully resolved attack.
type AttackResult struct {
	DefenseTotal int
	Rolls        []DieOutcome
	TotalDamage  int
	Outcome      Outcome
}

// ResolveAttack rolls the defender's defense die once and contests each
// attacker die against that shared total:
//
//	def_total = 1dDD + defender_pp + defender_edge + armor_bonus
//	atk_i     = 1dS + attacker_stat + edge + weapon_bonus (+ bap when triggered)
//	damage_i  = max(0, atk_i - def_total)
//
// The outcome is miss when every die misses, full_hit when every die lands,
// and partial_hit otherwise.
func ResolveAttack(r Roller, in AttackInput) (AttackResult, error) {
	style, err := Parse(in.AttackStyle)
	if err != nil {
		return AttackResult{}, fmt.Errorf("dice: attack style: %w", err)
	}
	if style.Constant {
		return AttackResult{}, fmt.Errorf("%w: attack style %q has no dice", ErrNotation, in.AttackStyle)
	}
	defense, err := Parse(in.DefenseDie)
	if err != nil {
		return AttackResult{}, fmt.Errorf("dice: defense die: %w", err)
	}
	if defense.Constant {
		return AttackResult{}, fmt.Errorf("%w: defense die %q has no dice", ErrNotation, in.DefenseDie)
	}

	defTotal := in.DefenderPP + in.DefenderEdge + in.ArmorBonus
	for range defense.Count {
		defTotal += r.Roll(defense.Sides)
	}

	atkBonus := in.AttackerStat + in.AttackerEdge + in.WeaponBonus
	if in.BAPTriggered {
		atkBonus += in.AttackerBAP
	}

	res := AttackResult{DefenseTotal: defTotal, Rolls: make([]DieOutcome, style.Count)}
	hits := 0
	for i := range res.Rolls {
		atk := r.Roll(style.Sides) + atkBonus
		margin := max(0, atk-defTotal)
		res.Rolls[i] = DieOutcome{Attack: atk, Defense: defTotal, Margin: margin, Damage: margin}
		res.TotalDamage += margin
		if margin > 0 {
			hits++
		}
	}

	switch hits {
	case 0:
		res.Outcome = OutcomeMiss
	case len(res.Rolls):
		res.Outcome = OutcomeFullHit
	default:
		res.Outcome = OutcomePartialHit
	}
	return res, nil
}
