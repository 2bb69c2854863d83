// Package party holds the live, per-party session state the hub serializes
// all work through: the socket set, the character snapshot cache, macro
// throttle marks, and the encounter tracker.
package party

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/storyweave/partyhub/internal/encounter"
	"github.com/storyweave/partyhub/internal/store"
)

// Role is the per-socket permission level, fixed at connect time.
type Role string

const (
	RolePlayer      Role = "player"
	RoleStoryWeaver Role = "story_weaver"
)

// Display renders the role the way join/leave notices show it.
func (r Role) Display() string {
	if r == RoleStoryWeaver {
		return "SW"
	}
	return "player"
}

// Kind distinguishes the two combatant flavors a snapshot can wrap.
type Kind string

const (
	KindCharacter Kind = "character"
	KindNPC       Kind = "npc"
)

// Sender delivers one outbound frame to a client. Implementations apply
// their own write deadline.
type Sender interface {
	Send(ctx context.Context, v any) error
}

// Conn is one live socket on a party.
type Conn struct {
	UserID      string
	CharacterID string
	Role        Role
	JoinedAt    time.Time

	sender Sender
}

// NewConn wraps a sender with its session identity.
func NewConn(userID, characterID string, role Role, s Sender) *Conn {
	return &Conn{
		UserID:      userID,
		CharacterID: characterID,
		Role:        role,
		JoinedAt:    time.Now(),
		sender:      s,
	}
}

// Send delivers one frame to this socket.
func (c *Conn) Send(ctx context.Context, v any) error {
	return c.sender.Send(ctx, v)
}

// IsSW reports whether the socket holds the Story Weaver role.
func (c *Conn) IsSW() bool {
	return c.Role == RoleStoryWeaver
}

// Snapshot is the point-in-time combat view of a character or NPC, taken at
// connect (or at mention resolution for offline targets). Handlers mutate
// DP, status, and ability budgets directly on the cached snapshot after a
// successful store write-through.
type Snapshot struct {
	ID          string
	Kind        Kind
	Name        string
	OwnerUserID string
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
	Status      store.CombatantStatus
	InCalling   bool
	Hidden      bool
	Abilities   []store.Ability
}

// SnapshotCharacter builds a snapshot from a character row and its
// abilities.
func SnapshotCharacter(c *store.Character, abilities []store.Ability) *Snapshot {
	return &Snapshot{
		ID:          c.ID,
		Kind:        KindCharacter,
		Name:        c.Name,
		OwnerUserID: c.OwnerUserID,
		Level:       c.Level,
		PP:          c.PP,
		IP:          c.IP,
		SP:          c.SP,
		DP:          c.DP,
		MaxDP:       c.MaxDP,
		Edge:        c.Edge,
		BAP:         c.BAP,
		AttackStyle: c.AttackStyle,
		DefenseDie:  c.DefenseDie,
		WeaponBonus: c.WeaponBonus,
		ArmorBonus:  c.ArmorBonus,
		Status:      c.Status,
		InCalling:   c.InCalling,
		Abilities:   abilities,
	}
}

// SnapshotNPC builds a snapshot from an NPC row.
func SnapshotNPC(n *store.NPC) *Snapshot {
	return &Snapshot{
		ID:          n.ID,
		Kind:        KindNPC,
		Name:        n.Name,
		OwnerUserID: n.CreatedBy,
		Level:       n.Level,
		PP:          n.PP,
		IP:          n.IP,
		SP:          n.SP,
		DP:          n.DP,
		MaxDP:       n.MaxDP,
		Edge:        n.Edge,
		BAP:         n.BAP,
		AttackStyle: n.AttackStyle,
		DefenseDie:  n.DefenseDie,
		ArmorBonus:  n.ArmorBonus,
		Status:      n.Status,
		Hidden:      !n.VisibleToPlayers,
	}
}

// Stat returns the named stat value ("PP", "IP", or "SP").
func (s *Snapshot) Stat(name string) int {
	switch strings.ToUpper(name) {
	case "PP":
		return s.PP
	case "IP":
		return s.IP
	case "SP":
		return s.SP
	}
	return 0
}

// AbilityByCommand returns a pointer to the snapshot's ability with the
// given macro command, or nil. The pointer aliases the snapshot so budget
// mutations stick.
func (s *Snapshot) AbilityByCommand(cmd string) *store.Ability {
	for i := range s.Abilities {
		if strings.EqualFold(s.Abilities[i].MacroCommand, cmd) {
			return &s.Abilities[i]
		}
	}
	return nil
}

// NormalizeName lowercases a name and folds underscores to spaces, the
// matching form used for mention and cache lookups.
func NormalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", " "))
}

// Live is one party's in-memory session state. A coarse registry in the hub
// maps party ids to Live entries; every mutation below the registry happens
// while holding the Live mutex, making the holder the party actor.
type Live struct {
	mu sync.Mutex

	ID         string
	CampaignID string
	Type       store.PartyType
	SWUserID   string

	Encounter *encounter.Tracker

	conns     map[*Conn]struct{}
	cache     map[string]*Snapshot
	refs      map[string]int
	lastMacro map[string]time.Time
	turn      int
}

// NewLive creates the live state for a party row.
func NewLive(p *store.Party) *Live {
	return &Live{
		ID:         p.ID,
		CampaignID: p.CampaignID,
		Type:       p.Type,
		SWUserID:   p.StoryWeaverUserID,
		Encounter:  encounter.NewTracker(),
		conns:      make(map[*Conn]struct{}),
		cache:      make(map[string]*Snapshot),
		refs:       make(map[string]int),
		lastMacro:  make(map[string]time.Time),
	}
}

// Lock acquires the party actor lock.
func (l *Live) Lock() { l.mu.Lock() }

// Unlock releases the party actor lock.
func (l *Live) Unlock() { l.mu.Unlock() }

// AddConn registers a socket. Caller holds the lock.
func (l *Live) AddConn(c *Conn) {
	l.conns[c] = struct{}{}
}

// Install puts a snapshot into the cache, or bumps the refcount when
// another socket already holds the same character. The cached (possibly
// pre-existing) snapshot is returned so late joiners observe mutations made
// since the first install. Caller holds the lock.
func (l *Live) Install(s *Snapshot) *Snapshot {
	if existing, ok := l.cache[s.ID]; ok {
		l.refs[s.ID]++
		return existing
	}
	l.cache[s.ID] = s
	l.refs[s.ID] = 1
	return s
}

// RemoveConn unregisters a socket, releasing its snapshot when it was the
// last holder. Reports whether the party is now empty. Caller holds the lock.
func (l *Live) RemoveConn(c *Conn) (empty bool) {
	delete(l.conns, c)
	if c.CharacterID != "" {
		if l.refs[c.CharacterID]--; l.refs[c.CharacterID] <= 0 {
			delete(l.refs, c.CharacterID)
			delete(l.cache, c.CharacterID)
		}
	}
	return len(l.conns) == 0
}

// Conns returns the current socket set. Caller holds the lock; the returned
// slice is a snapshot safe to iterate during fan-out.
func (l *Live) Conns() []*Conn {
	out := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		out = append(out, c)
	}
	return out
}

// Empty reports whether no sockets remain. Caller holds the lock.
func (l *Live) Empty() bool {
	return len(l.conns) == 0
}

// Snapshot returns the cached snapshot for a combatant id, or nil.
// Caller holds the lock.
func (l *Live) Snapshot(id string) *Snapshot {
	return l.cache[id]
}

// SnapshotByName finds a cached snapshot by normalized name. Caller holds
// the lock.
func (l *Live) SnapshotByName(name string) *Snapshot {
	norm := NormalizeName(name)
	for _, s := range l.cache {
		if NormalizeName(s.Name) == norm {
			return s
		}
	}
	return nil
}

// CachedNames lists the names of all cached snapshots. Caller holds the lock.
func (l *Live) CachedNames() []string {
	out := make([]string, 0, len(l.cache))
	for _, s := range l.cache {
		out = append(out, s.Name)
	}
	return out
}

// CachedIDs lists the combatant ids of all cached snapshots. Caller holds
// the lock.
func (l *Live) CachedIDs() map[string]bool {
	out := make(map[string]bool, len(l.cache))
	for id := range l.cache {
		out[id] = true
	}
	return out
}

// AllowMacro applies the per-actor throttle: it returns false when the
// previous accepted macro for key is within window of now, and otherwise
// marks now as the last accepted time. Caller holds the lock.
func (l *Live) AllowMacro(key string, now time.Time, window time.Duration) bool {
	if last, ok := l.lastMacro[key]; ok && now.Sub(last) < window {
		return false
	}
	l.lastMacro[key] = now
	return true
}

// RevokeMacro clears a throttle mark stamped at now. Called when a macro
// fails after passing [Live.AllowMacro], so only accepted macros push the
// window forward. A no-op when a later macro has already re-stamped the key.
// Caller holds the lock.
func (l *Live) RevokeMacro(key string, now time.Time) {
	if last, ok := l.lastMacro[key]; ok && last.Equal(now) {
		delete(l.lastMacro, key)
	}
}

// NextTurn increments and returns the party's combat-log turn counter.
// Caller holds the lock.
func (l *Live) NextTurn() int {
	l.turn++
	return l.turn
}
