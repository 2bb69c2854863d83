package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyweave/partyhub/internal/rules"
)

// MemStore is an in-memory [Store] for tests and local development. All
// methods are safe for concurrent use.
type MemStore struct {
	mu           sync.Mutex
	usesPerLevel int
	err          error

	parties    map[string]*Party
	characters map[string]*Character
	npcs       map[string]*NPC
	abilities  map[string]*Ability
	encounters map[string]*Encounter
	initiative map[string]*InitiativeRoll
	messages   []Message
	msgKeys    map[string]bool
	turns      []CombatTurn
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		usesPerLevel: rules.DefaultUsesPerLevel,
		parties:      make(map[string]*Party),
		characters:   make(map[string]*Character),
		npcs:         make(map[string]*NPC),
		abilities:    make(map[string]*Ability),
		encounters:   make(map[string]*Encounter),
		initiative:   make(map[string]*InitiativeRoll),
		msgKeys:      make(map[string]bool),
	}
}

// SetUsesPerLevel overrides the ability budget multiplier.
func (s *MemStore) SetUsesPerLevel(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.usesPerLevel = n
	}
}

// FailWith makes every subsequent call return err until called with nil.
// Used in tests to exercise store-failure paths.
func (s *MemStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// ── Seeding helpers ───────────────────────────────────────────────────────────

// PutParty inserts or replaces a party record.
func (s *MemStore) PutParty(p Party) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parties[p.ID] = &p
}

// PutCharacter inserts or replaces a character record.
func (s *MemStore) PutCharacter(c Character) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.characters[c.ID] = &c
}

// PutNPC inserts or replaces an NPC record.
func (s *MemStore) PutNPC(n NPC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.npcs[n.ID] = &n
}

// PutAbility inserts or replaces an ability record.
func (s *MemStore) PutAbility(a Ability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abilities[a.ID] = &a
}

// ── Test accessors ────────────────────────────────────────────────────────────

// Messages returns a copy of all persisted message rows in append order.
func (s *MemStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// CombatTurns returns a copy of all persisted combat-log rows.
func (s *MemStore) CombatTurns() []CombatTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.turns)
}

// ActiveEncounter returns the party's active encounter, or nil.
func (s *MemStore) ActiveEncounter(partyID string) *Encounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.encounters {
		if e.PartyID == partyID && e.Active {
			cp := *e
			return &cp
		}
	}
	return nil
}

// InitiativeRolls returns a copy of all rolls for an encounter.
func (s *MemStore) InitiativeRolls(encounterID string) []InitiativeRoll {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rolls []InitiativeRoll
	for _, r := range s.initiative {
		if r.EncounterID == encounterID {
			rolls = append(rolls, *r)
		}
	}
	return rolls
}

// ── Store implementation ──────────────────────────────────────────────────────

func (s *MemStore) LoadParty(ctx context.Context, id string) (*Party, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.parties[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) LoadCharacter(ctx context.Context, id string) (*Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.characters[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) LoadNPC(ctx context.Context, id string) (*NPC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	n, ok := s.npcs[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (s *MemStore) ListPartyCharacters(ctx context.Context, partyID string) ([]Character, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var chars []Character
	for _, c := range s.characters {
		if c.PartyID == partyID {
			chars = append(chars, *c)
		}
	}
	slices.SortFunc(chars, func(a, b Character) int { return strings.Compare(a.Name, b.Name) })
	return chars, nil
}

func (s *MemStore) ListPartyNPCs(ctx context.Context, partyID string, includeHidden bool) ([]NPC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var npcs []NPC
	for _, n := range s.npcs {
		if n.PartyID != partyID {
			continue
		}
		if !includeHidden && !n.VisibleToPlayers {
			continue
		}
		npcs = append(npcs, *n)
	}
	slices.SortFunc(npcs, func(a, b NPC) int { return strings.Compare(a.Name, b.Name) })
	return npcs, nil
}

func (s *MemStore) ListAbilities(ctx context.Context, characterID string) ([]Ability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var abs []Ability
	for _, a := range s.abilities {
		if a.CharacterID == characterID {
			abs = append(abs, *a)
		}
	}
	slices.SortFunc(abs, func(a, b Ability) int { return a.Slot - b.Slot })
	return abs, nil
}

func (s *MemStore) AppendMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	key := fmt.Sprintf("%s|%s|%d|%s", msg.PartyID, msg.SenderID, msg.CreatedAt.UnixNano(), ContentHash(msg.Content))
	if s.msgKeys[key] {
		return nil
	}
	s.msgKeys[key] = true
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *MemStore) AppendCombatTurn(ctx context.Context, turn *CombatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	s.turns = append(s.turns, *turn)
	return nil
}

func (s *MemStore) StartEncounter(ctx context.Context, partyID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	now := time.Now()
	for _, e := range s.encounters {
		if e.PartyID == partyID && e.Active {
			e.Active = false
			e.EndedAt = &now
		}
	}
	id := uuid.NewString()
	s.encounters[id] = &Encounter{ID: id, PartyID: partyID, Active: true, StartedAt: now}
	return id, nil
}

func (s *MemStore) EndEncounter(ctx context.Context, id string, restoreBudgets bool) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	e, ok := s.encounters[id]
	if !ok || !e.Active {
		s.mu.Unlock()
		return fmt.Errorf("store: end encounter %q: no active encounter", id)
	}
	now := time.Now()
	e.Active = false
	e.EndedAt = &now
	partyID := e.PartyID
	s.mu.Unlock()

	if restoreBudgets {
		return s.ResetAbilityBudgets(ctx, partyID)
	}
	return nil
}

func (s *MemStore) UpsertInitiativeRoll(ctx context.Context, roll *InitiativeRoll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if roll.ID == "" {
		roll.ID = uuid.NewString()
	}
	key := roll.EncounterID + "|" + roll.CharacterID + "|" + roll.NPCID
	cp := *roll
	s.initiative[key] = &cp
	return nil
}

func (s *MemStore) ResetAbilityBudgets(ctx context.Context, partyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, a := range s.abilities {
		c, ok := s.characters[a.CharacterID]
		if !ok || c.PartyID != partyID {
			continue
		}
		budget := rules.AbilityBudget(c.Level, s.usesPerLevel)
		a.MaxUses = budget
		a.UsesRemaining = budget
	}
	return nil
}

func (s *MemStore) UpdateCharacterDP(ctx context.Context, id string, dp int, status CombatantStatus, inCalling bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	c, ok := s.characters[id]
	if !ok {
		return fmt.Errorf("store: update character dp: character %q not found", id)
	}
	c.DP = dp
	c.Status = status
	c.InCalling = inCalling
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) UpdateNPCDP(ctx context.Context, id string, dp int, status CombatantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	n, ok := s.npcs[id]
	if !ok {
		return fmt.Errorf("store: update npc dp: npc %q not found", id)
	}
	n.DP = dp
	n.Status = status
	n.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) UpdateAbilityUses(ctx context.Context, id string, usesRemaining int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	a, ok := s.abilities[id]
	if !ok {
		return fmt.Errorf("store: update ability uses: ability %q not found", id)
	}
	a.UsesRemaining = usesRemaining
	return nil
}
