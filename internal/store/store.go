// Package store defines the durable records consumed by the party hub
// (parties, characters, NPCs, abilities, encounters, initiative rolls,
// messages, and combat turns) plus the narrow [Store] interface the macro
// layer reads through and appends to.
package store

import (
	"context"
	"time"
)

// PartyType tags a party channel. The hub treats all four uniformly;
// routing differences are administrative.
type PartyType string

const (
	PartyStory    PartyType = "story"
	PartyOOC      PartyType = "ooc"
	PartyStandard PartyType = "standard"
	PartyWhisper  PartyType = "whisper"
)

// Party is a chat/play channel within a campaign.
type Party struct {
	ID                string
	CampaignID        string
	Name              string
	Type              PartyType
	StoryWeaverUserID string
}

// CombatantStatus derives from DP thresholds.
type CombatantStatus string

const (
	StatusActive      CombatantStatus = "active"
	StatusUnconscious CombatantStatus = "unconscious"
	StatusDead        CombatantStatus = "dead"
)

// Character is a player-owned combatant bound to a party.
type Character struct {
	ID          string
	PartyID     string
	OwnerUserID string
	Name        string
	Level       int
	PP, IP, SP  int
	DP          int
	MaxDP       int
	Edge        int
	BAP         int
	AttackStyle string
	DefenseDie  string
	WeaponBonus int
	ArmorBonus  int
	Status      CombatantStatus
	InCalling   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NPCType classifies an NPC's disposition.
type NPCType string

const (
	NPCHostile NPCType = "hostile"
	NPCNeutral NPCType = "neutral"
	NPCAlly    NPCType = "ally"
)

// NPC is a Story-Weaver-controlled combatant with the same combat stat
// shape as a character.
type NPC struct {
	ID               string
	PartyID          string
	CreatedBy        string
	Name             string
	Level            int
	PP, IP, SP       int
	DP               int
	MaxDP            int
	Edge             int
	BAP              int
	AttackStyle      string
	DefenseDie       string
	ArmorBonus       int
	Type             NPCType
	VisibleToPlayers bool
	Status           CombatantStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AbilityType groups abilities by flavor.
type AbilityType string

const (
	AbilitySpell     AbilityType = "spell"
	AbilityTechnique AbilityType = "technique"
	AbilitySpecial   AbilityType = "special"
)

// PowerSource names the stat an ability draws on.
type PowerSource string

const (
	SourcePP PowerSource = "PP"
	SourceIP PowerSource = "IP"
	SourceSP PowerSource = "SP"
)

// EffectType selects the resolution rule for an ability cast.
type EffectType string

const (
	EffectDamage  EffectType = "damage"
	EffectHeal    EffectType = "heal"
	EffectBuff    EffectType = "buff"
	EffectDebuff  EffectType = "debuff"
	EffectUtility EffectType = "utility"
)

// Ability is a character-owned macro command with a per-encounter use budget.
type Ability struct {
	ID            string
	CharacterID   string
	Slot          int
	Type          AbilityType
	DisplayName   string
	MacroCommand  string // leading slash, unique per character
	PowerSource   PowerSource
	EffectType    EffectType
	Die           string
	AoE           bool
	MaxUses       int
	UsesRemaining int
}

// Encounter is one initiative-tracked fight within a party.
type Encounter struct {
	ID        string
	PartyID   string
	Active    bool
	StartedAt time.Time
	EndedAt   *time.Time
}

// InitiativeRoll is one combatant's roll within an encounter. Exactly one
// of CharacterID / NPCID is set.
type InitiativeRoll struct {
	ID            string
	EncounterID   string
	CharacterID   string
	NPCID         string
	CombatantName string
	RollResult    int
	Silent        bool
	RolledBySW    bool
}

// MessageType tags a persisted message row.
type MessageType string

const (
	MessageChat      MessageType = "chat"
	MessageCombat    MessageType = "combat"
	MessageSystem    MessageType = "system"
	MessageNarration MessageType = "narration"
	MessageDiceRoll  MessageType = "dice_roll"
)

// Mode distinguishes in-character from out-of-character chat. Empty means
// not applicable.
type Mode string

const (
	ModeIC  Mode = "IC"
	ModeOOC Mode = "OOC"
)

// Message is one persisted chat/combat-log row.
type Message struct {
	ID         string
	CampaignID string
	PartyID    string
	SenderID   string
	SenderName string
	Type       MessageType
	Mode       Mode
	Content    string
	ExtraData  map[string]any
	CreatedAt  time.Time
}

// CombatTurn is one resolved combat action within an encounter.
type CombatTurn struct {
	ID            string
	PartyID       string
	EncounterID   string
	CombatantID   string
	CombatantName string
	TurnNumber    int
	ActionType    string
	Result        map[string]any
	BAPApplied    bool
	CreatedAt     time.Time
}

// Store is the persistence interface consumed by the hub and the macro
// dispatcher. Load and List methods return (nil, nil) / (nil slice, nil)
// when nothing matches. All methods honor the context deadline.
type Store interface {
	LoadParty(ctx context.Context, id string) (*Party, error)
	LoadCharacter(ctx context.Context, id string) (*Character, error)
	LoadNPC(ctx context.Context, id string) (*NPC, error)
	ListPartyCharacters(ctx context.Context, partyID string) ([]Character, error)
	ListPartyNPCs(ctx context.Context, partyID string, includeHidden bool) ([]NPC, error)
	ListAbilities(ctx context.Context, characterID string) ([]Ability, error)

	// AppendMessage persists one message row. It is idempotent on
	// (party_id, sender_id, created_at, content hash); replays are dropped.
	AppendMessage(ctx context.Context, msg *Message) error
	AppendCombatTurn(ctx context.Context, turn *CombatTurn) error

	// StartEncounter opens a new encounter for the party and returns its id.
	StartEncounter(ctx context.Context, partyID string) (string, error)

	// EndEncounter deactivates the encounter. When restoreBudgets is true,
	// every ability of every character in the encounter's party has its
	// uses_remaining reset to the configured per-level budget.
	EndEncounter(ctx context.Context, id string, restoreBudgets bool) error

	// UpsertInitiativeRoll records a roll, replacing any prior roll by the
	// same combatant in the same encounter (latest wins).
	UpsertInitiativeRoll(ctx context.Context, roll *InitiativeRoll) error

	// ResetAbilityBudgets restores uses_remaining for every ability of
	// every character in the party.
	ResetAbilityBudgets(ctx context.Context, partyID string) error

	UpdateCharacterDP(ctx context.Context, id string, dp int, status CombatantStatus, inCalling bool) error
	UpdateNPCDP(ctx context.Context, id string, dp int, status CombatantStatus) error
	UpdateAbilityUses(ctx context.Context, id string, usesRemaining int) error
}

// StatusForDP derives a combatant status from a DP value.
func StatusForDP(dp int) CombatantStatus {
	if dp <= 0 {
		return StatusUnconscious
	}
	return StatusActive
}

// InCallingForDP reports whether a DP value crosses the Calling threshold.
func InCallingForDP(dp int) bool {
	return dp <= -10
}
