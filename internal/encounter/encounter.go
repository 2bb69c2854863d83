// Package encounter implements the per-party initiative lifecycle:
// none → open → ended, an ordered roster with latest-wins re-rolls, and
// role-filtered views.
package encounter

import (
	"errors"
	"slices"
	"strings"
)

var (
	ErrNotOpen     = errors.New("encounter: no open encounter")
	ErrAlreadyOpen = errors.New("encounter: encounter already open")
	ErrNoRolls     = errors.New("encounter: no initiative rolls recorded")
)

// Phase is the per-party encounter lifecycle state.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseOpen
	PhaseEnded
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseEnded:
		return "ended"
	default:
		return "none"
	}
}

// Entry is one combatant's initiative roll. Exactly one of CharacterID /
// NPCID is set.
type Entry struct {
	CharacterID string
	NPCID       string
	Name        string
	Roll        int
	PP, IP, SP  int
	Silent      bool
	RolledBySW  bool
	OwnerUserID string
	HiddenNPC   bool
}

// CombatantID returns the id of whichever combatant the entry belongs to.
func (e Entry) CombatantID() string {
	if e.CharacterID != "" {
		return e.CharacterID
	}
	return e.NPCID
}

// VisibleTo reports whether a viewer may see this entry in the turn order.
// The Story Weaver sees everything; players do not see hidden NPCs, nor
// silent rolls they do not own.
func (e Entry) VisibleTo(viewerUserID string, viewerIsSW bool) bool {
	if viewerIsSW {
		return true
	}
	if e.HiddenNPC {
		return false
	}
	if e.Silent && e.OwnerUserID != viewerUserID {
		return false
	}
	return true
}

// Tracker holds one party's encounter state. It is owned by the party actor
// and carries no locking of its own.
type Tracker struct {
	phase   Phase
	id      string
	entries []Entry
	next    int
	round   int
}

// NewTracker returns a tracker in the none phase.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Phase returns the current lifecycle phase.
func (t *Tracker) Phase() Phase { return t.phase }

// ID returns the durable id of the current (or most recent) encounter.
func (t *Tracker) ID() string { return t.id }

// Len returns the number of recorded entries.
func (t *Tracker) Len() int { return len(t.entries) }

// Begin opens a new encounter with the given durable id, discarding any
// roster from a previous (ended) encounter.
func (t *Tracker) Begin(id string) error {
	if t.phase == PhaseOpen {
		return ErrAlreadyOpen
	}
	t.phase = PhaseOpen
	t.id = id
	t.entries = t.entries[:0]
	t.next = 0
	t.round = 1
	return nil
}

// Record adds a roll to the open encounter. A second roll by the same
// combatant replaces the earlier one.
func (t *Tracker) Record(e Entry) error {
	if t.phase != PhaseOpen {
		return ErrNotOpen
	}
	for i := range t.entries {
		if t.entries[i].CombatantID() == e.CombatantID() {
			t.entries[i] = e
			return nil
		}
	}
	t.entries = append(t.entries, e)
	return nil
}

// End closes the open encounter. The roster is retained for inspection
// until the next Begin.
func (t *Tracker) End() error {
	if t.phase != PhaseOpen {
		return ErrNotOpen
	}
	t.phase = PhaseEnded
	return nil
}

// Round returns the current combat round, starting at 1.
func (t *Tracker) Round() int { return t.round }

// Next advances the turn pointer through the sorted roster and returns the
// combatant now acting plus the round number. The pointer wraps after the
// last combatant, starting a new round. A re-roll that reorders the roster
// mid-round does not reset the pointer; the position is positional, not
// per-combatant.
func (t *Tracker) Next() (Entry, int, error) {
	if t.phase != PhaseOpen {
		return Entry{}, 0, ErrNotOpen
	}
	roster := t.Roster()
	if len(roster) == 0 {
		return Entry{}, 0, ErrNoRolls
	}
	if t.next >= len(roster) {
		t.next = 0
		t.round++
	}
	e := roster[t.next]
	t.next++
	return e, t.round, nil
}

// Roster returns the full turn order: roll descending, ties broken by
// PP, then IP, then SP descending, then name ascending.
func (t *Tracker) Roster() []Entry {
	out := slices.Clone(t.entries)
	slices.SortStableFunc(out, compareEntries)
	return out
}

// Visible returns the turn order as seen by the given viewer.
func (t *Tracker) Visible(viewerUserID string, viewerIsSW bool) []Entry {
	var out []Entry
	for _, e := range t.entries {
		if e.VisibleTo(viewerUserID, viewerIsSW) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, compareEntries)
	return out
}

func compareEntries(a, b Entry) int {
	if d := b.Roll - a.Roll; d != 0 {
		return d
	}
	if d := b.PP - a.PP; d != 0 {
		return d
	}
	if d := b.IP - a.IP; d != 0 {
		return d
	}
	if d := b.SP - a.SP; d != 0 {
		return d
	}
	return strings.Compare(a.Name, b.Name)
}
