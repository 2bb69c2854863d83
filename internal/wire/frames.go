// Package wire defines the JSON frame shapes exchanged over party
// WebSockets. Every outbound frame carries a top-level "type" field that
// discriminates the payload.
package wire

import "time"

// Frame type discriminators.
const (
	// TypeMessage is the only accepted inbound frame type.
	TypeMessage = "message"

	TypeChat         = "chat"
	TypeSystem       = "system"
	TypeDiceRoll     = "dice_roll"
	TypeStatRoll     = "stat_roll"
	TypeInitiative   = "initiative"
	TypeCombatResult = "combat_result"
	TypeAbilityCast  = "ability_cast"
)

// Inbound is a client-to-server frame.
type Inbound struct {
	Type        string `json:"type"`
	Actor       string `json:"actor,omitempty"`
	Text        string `json:"text"`
	Mode        string `json:"mode,omitempty"`
	Context     string `json:"context,omitempty"`
	EncounterID string `json:"encounter_id,omitempty"`
}

// Chat is a plain chat broadcast.
type Chat struct {
	Type      string    `json:"type"`
	Actor     string    `json:"actor"`
	Text      string    `json:"text"`
	Mode      string    `json:"mode"`
	PartyID   string    `json:"party_id"`
	Timestamp time.Time `json:"timestamp"`
}

// System is a server notice: unicast for errors, broadcast for
// join/leave/encounter notices.
type System struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	PartyID   string    `json:"party_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSystem builds a system frame stamped with the current time.
func NewSystem(partyID, text string) System {
	return System{Type: TypeSystem, Text: text, PartyID: partyID, Timestamp: time.Now()}
}

// DiceRoll is an evaluated dice expression broadcast.
type DiceRoll struct {
	Type      string `json:"type"`
	Actor     string `json:"actor"`
	Dice      string `json:"dice"`
	Breakdown []int  `json:"breakdown"`
	Modifier  int    `json:"modifier"`
	Result    int    `json:"result"`
	Text      string `json:"text"`
}

// StatRoll is a dice roll backed by a PP/IP/SP check.
type StatRoll struct {
	Type      string `json:"type"`
	Actor     string `json:"actor"`
	Stat      string `json:"stat"`
	Dice      string `json:"dice"`
	Breakdown []int  `json:"breakdown"`
	Modifier  int    `json:"modifier"`
	Result    int    `json:"result"`
	Text      string `json:"text"`
}

// Initiative is an initiative roll broadcast.
type Initiative struct {
	Type          string `json:"type"`
	Actor         string `json:"actor"`
	CombatantName string `json:"combatant_name"`
	Dice          string `json:"dice"`
	Breakdown     []int  `json:"breakdown"`
	Modifier      int    `json:"modifier"`
	Result        int    `json:"result"`
	Text          string `json:"text"`
	Silent        bool   `json:"silent"`
	RolledBySW    bool   `json:"rolled_by_sw"`
}

// IndividualRoll is one attacker die contested against the shared defense
// total within a combat_result frame.
type IndividualRoll struct {
	A      int `json:"a"`
	D      int `json:"d"`
	Margin int `json:"margin"`
	Damage int `json:"damage"`
}

// CombatResult is a resolved basic attack broadcast.
type CombatResult struct {
	Type            string           `json:"type"`
	Attacker        string           `json:"attacker"`
	Defender        string           `json:"defender"`
	IndividualRolls []IndividualRoll `json:"individual_rolls"`
	TotalDamage     int              `json:"total_damage"`
	Outcome         string           `json:"outcome"`
	DefenderNewDP   int              `json:"defender_new_dp"`
	Narrative       string           `json:"narrative"`
}

// AbilityTargetResult is the per-target outcome of an ability cast.
type AbilityTargetResult struct {
	Target       string `json:"target"`
	AttackTotal  int    `json:"attack_total,omitempty"`
	DefenseTotal int    `json:"defense_total,omitempty"`
	Margin       int    `json:"margin,omitempty"`
	Damage       int    `json:"damage,omitempty"`
	Healed       int    `json:"healed,omitempty"`
	Duration     int    `json:"duration,omitempty"`
	NewDP        int    `json:"new_dp,omitempty"`
	Success      bool   `json:"success"`
}

// AbilityResolution is the structured payload of an ability_cast frame.
type AbilityResolution struct {
	Effect  string                `json:"effect"`
	Results []AbilityTargetResult `json:"results"`
}

// AbilityCast is an ability invocation broadcast.
type AbilityCast struct {
	Type          string            `json:"type"`
	Caster        string            `json:"caster"`
	Ability       string            `json:"ability"`
	Targets       []string          `json:"targets"`
	Resolution    AbilityResolution `json:"resolution"`
	UsesRemaining int               `json:"uses_remaining"`
}
