package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/storyweave/partyhub/internal/rules"
)

// Schema is the SQL DDL for all party hub tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS parties (
    id                   TEXT PRIMARY KEY,
    campaign_id          TEXT NOT NULL DEFAULT '',
    name                 TEXT NOT NULL,
    party_type           TEXT NOT NULL DEFAULT 'standard',
    story_weaver_user_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS characters (
    id            TEXT PRIMARY KEY,
    party_id      TEXT NOT NULL,
    owner_user_id TEXT NOT NULL DEFAULT '',
    name          TEXT NOT NULL,
    level         INT NOT NULL DEFAULT 1,
    pp            INT NOT NULL DEFAULT 2,
    ip            INT NOT NULL DEFAULT 2,
    sp            INT NOT NULL DEFAULT 2,
    dp            INT NOT NULL DEFAULT 10,
    max_dp        INT NOT NULL DEFAULT 10,
    edge          INT NOT NULL DEFAULT 0,
    bap           INT NOT NULL DEFAULT 1,
    attack_style  TEXT NOT NULL DEFAULT '1d4',
    defense_die   TEXT NOT NULL DEFAULT '1d4',
    weapon_bonus  INT NOT NULL DEFAULT 0,
    armor_bonus   INT NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'active',
    in_calling    BOOLEAN NOT NULL DEFAULT false,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_characters_party ON characters(party_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_characters_party_name ON characters(party_id, lower(name));

CREATE TABLE IF NOT EXISTS npcs (
    id                 TEXT PRIMARY KEY,
    party_id           TEXT NOT NULL,
    created_by         TEXT NOT NULL DEFAULT '',
    name               TEXT NOT NULL,
    level              INT NOT NULL DEFAULT 1,
    pp                 INT NOT NULL DEFAULT 2,
    ip                 INT NOT NULL DEFAULT 2,
    sp                 INT NOT NULL DEFAULT 2,
    dp                 INT NOT NULL DEFAULT 10,
    max_dp             INT NOT NULL DEFAULT 10,
    edge               INT NOT NULL DEFAULT 0,
    bap                INT NOT NULL DEFAULT 1,
    attack_style       TEXT NOT NULL DEFAULT '1d4',
    defense_die        TEXT NOT NULL DEFAULT '1d4',
    armor_bonus        INT NOT NULL DEFAULT 0,
    npc_type           TEXT NOT NULL DEFAULT 'neutral',
    visible_to_players BOOLEAN NOT NULL DEFAULT true,
    status             TEXT NOT NULL DEFAULT 'active',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_npcs_party ON npcs(party_id);

CREATE TABLE IF NOT EXISTS abilities (
    id             TEXT PRIMARY KEY,
    character_id   TEXT NOT NULL,
    slot           INT NOT NULL,
    ability_type   TEXT NOT NULL DEFAULT 'spell',
    display_name   TEXT NOT NULL,
    macro_command  TEXT NOT NULL,
    power_source   TEXT NOT NULL DEFAULT 'PP',
    effect_type    TEXT NOT NULL DEFAULT 'damage',
    die            TEXT NOT NULL DEFAULT '1d4',
    aoe            BOOLEAN NOT NULL DEFAULT false,
    max_uses       INT NOT NULL DEFAULT 3,
    uses_remaining INT NOT NULL DEFAULT 3,
    UNIQUE (character_id, macro_command),
    UNIQUE (character_id, slot)
);
CREATE INDEX IF NOT EXISTS idx_abilities_character ON abilities(character_id);

CREATE TABLE IF NOT EXISTS encounters (
    id         TEXT PRIMARY KEY,
    party_id   TEXT NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT true,
    started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at   TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_encounters_party_active ON encounters(party_id) WHERE active;

CREATE TABLE IF NOT EXISTS initiative_rolls (
    id             TEXT PRIMARY KEY,
    encounter_id   TEXT NOT NULL,
    character_id   TEXT NOT NULL DEFAULT '',
    npc_id         TEXT NOT NULL DEFAULT '',
    combatant_name TEXT NOT NULL,
    roll_result    INT NOT NULL,
    silent         BOOLEAN NOT NULL DEFAULT false,
    rolled_by_sw   BOOLEAN NOT NULL DEFAULT false,
    UNIQUE (encounter_id, character_id, npc_id),
    CHECK ((character_id = '') <> (npc_id = ''))
);

CREATE TABLE IF NOT EXISTS messages (
    id           TEXT PRIMARY KEY,
    campaign_id  TEXT NOT NULL DEFAULT '',
    party_id     TEXT NOT NULL,
    sender_id    TEXT NOT NULL DEFAULT '',
    sender_name  TEXT NOT NULL DEFAULT '',
    message_type TEXT NOT NULL DEFAULT 'chat',
    mode         TEXT NOT NULL DEFAULT '',
    content      TEXT NOT NULL,
    extra_data   JSONB NOT NULL DEFAULT '{}',
    content_hash TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    UNIQUE (party_id, sender_id, created_at, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_messages_party_created ON messages(party_id, created_at);

CREATE TABLE IF NOT EXISTS combat_turns (
    id             TEXT PRIMARY KEY,
    party_id       TEXT NOT NULL,
    encounter_id   TEXT NOT NULL DEFAULT '',
    combatant_id   TEXT NOT NULL DEFAULT '',
    combatant_name TEXT NOT NULL DEFAULT '',
    turn_number    INT NOT NULL DEFAULT 0,
    action_type    TEXT NOT NULL,
    result         JSONB NOT NULL DEFAULT '{}',
    bap_applied    BOOLEAN NOT NULL DEFAULT false,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_combat_turns_party ON combat_turns(party_id, created_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db           DB
	usesPerLevel int
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// PostgresOption customises a [PostgresStore].
type PostgresOption func(*PostgresStore)

// WithUsesPerLevel overrides the ability budget multiplier used by
// EndEncounter and ResetAbilityBudgets.
func WithUsesPerLevel(n int) PostgresOption {
	return func(s *PostgresStore) {
		if n > 0 {
			s.usesPerLevel = n
		}
	}
}

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, usesPerLevel: rules.DefaultUsesPerLevel}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate executes the [Schema] DDL against the database, creating tables
// and indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// LoadParty retrieves a party by id. It returns (nil, nil) when no party
// with the given id exists.
func (s *PostgresStore) LoadParty(ctx context.Context, id string) (*Party, error) {
	const query = `
		SELECT id, campaign_id, name, party_type, story_weaver_user_id
		FROM parties WHERE id = $1`

	var p Party
	err := s.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.CampaignID, &p.Name, &p.Type, &p.StoryWeaverUserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load party %q: %w", id, err)
	}
	return &p, nil
}

const characterColumns = `id, party_id, owner_user_id, name, level, pp, ip, sp,
	dp, max_dp, edge, bap, attack_style, defense_die, weapon_bonus, armor_bonus,
	status, in_calling, created_at, updated_at`

func scanCharacter(row pgx.Row) (*Character, error) {
	var c Character
	err := row.Scan(
		&c.ID, &c.PartyID, &c.OwnerUserID, &c.Name, &c.Level, &c.PP, &c.IP, &c.SP,
		&c.DP, &c.MaxDP, &c.Edge, &c.BAP, &c.AttackStyle, &c.DefenseDie,
		&c.WeaponBonus, &c.ArmorBonus, &c.Status, &c.InCalling, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCharacter retrieves a character by id, or (nil, nil) when absent.
func (s *PostgresStore) LoadCharacter(ctx context.Context, id string) (*Character, error) {
	c, err := scanCharacter(s.db.QueryRow(ctx, `SELECT `+characterColumns+` FROM characters WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load character %q: %w", id, err)
	}
	return c, nil
}

// ListPartyCharacters returns every character bound to the party, online or
// offline, ordered by name.
func (s *PostgresStore) ListPartyCharacters(ctx context.Context, partyID string) ([]Character, error) {
	rows, err := s.db.Query(ctx, `SELECT `+characterColumns+` FROM characters WHERE party_id = $1 ORDER BY name`, partyID)
	if err != nil {
		return nil, fmt.Errorf("store: list characters: %w", err)
	}
	defer rows.Close()

	var chars []Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list characters scan: %w", err)
		}
		chars = append(chars, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list characters: %w", err)
	}
	return chars, nil
}

const npcColumns = `id, party_id, created_by, name, level, pp, ip, sp,
	dp, max_dp, edge, bap, attack_style, defense_die, armor_bonus,
	npc_type, visible_to_players, status, created_at, updated_at`

func scanNPC(row pgx.Row) (*NPC, error) {
	var n NPC
	err := row.Scan(
		&n.ID, &n.PartyID, &n.CreatedBy, &n.Name, &n.Level, &n.PP, &n.IP, &n.SP,
		&n.DP, &n.MaxDP, &n.Edge, &n.BAP, &n.AttackStyle, &n.DefenseDie, &n.ArmorBonus,
		&n.Type, &n.VisibleToPlayers, &n.Status, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// LoadNPC retrieves an NPC by id, or (nil, nil) when absent.
func (s *PostgresStore) LoadNPC(ctx context.Context, id string) (*NPC, error) {
	n, err := scanNPC(s.db.QueryRow(ctx, `SELECT `+npcColumns+` FROM npcs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load npc %q: %w", id, err)
	}
	return n, nil
}

// ListPartyNPCs returns the party's NPCs ordered by name. Hidden NPCs
// (visible_to_players = false) are included only when includeHidden is set.
func (s *PostgresStore) ListPartyNPCs(ctx context.Context, partyID string, includeHidden bool) ([]NPC, error) {
	query := `SELECT ` + npcColumns + ` FROM npcs WHERE party_id = $1`
	if !includeHidden {
		query += ` AND visible_to_players`
	}
	query += ` ORDER BY name`

	rows, err := s.db.Query(ctx, query, partyID)
	if err != nil {
		return nil, fmt.Errorf("store: list npcs: %w", err)
	}
	defer rows.Close()

	var npcs []NPC
	for rows.Next() {
		n, err := scanNPC(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list npcs scan: %w", err)
		}
		npcs = append(npcs, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list npcs: %w", err)
	}
	return npcs, nil
}

// ListAbilities returns a character's abilities ordered by slot.
func (s *PostgresStore) ListAbilities(ctx context.Context, characterID string) ([]Ability, error) {
	const query = `
		SELECT id, character_id, slot, ability_type, display_name, macro_command,
		       power_source, effect_type, die, aoe, max_uses, uses_remaining
		FROM abilities WHERE character_id = $1 ORDER BY slot`

	rows, err := s.db.Query(ctx, query, characterID)
	if err != nil {
		return nil, fmt.Errorf("store: list abilities: %w", err)
	}
	defer rows.Close()

	var abs []Ability
	for rows.Next() {
		var a Ability
		if err := rows.Scan(
			&a.ID, &a.CharacterID, &a.Slot, &a.Type, &a.DisplayName, &a.MacroCommand,
			&a.PowerSource, &a.EffectType, &a.Die, &a.AoE, &a.MaxUses, &a.UsesRemaining,
		); err != nil {
			return nil, fmt.Errorf("store: list abilities scan: %w", err)
		}
		abs = append(abs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list abilities: %w", err)
	}
	return abs, nil
}

// AppendMessage persists one message row. Duplicate appends (same party,
// sender, timestamp, and content) are dropped silently.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	extraJSON, err := json.Marshal(emptyMap(msg.ExtraData))
	if err != nil {
		return fmt.Errorf("store: marshal extra_data: %w", err)
	}

	const query = `
		INSERT INTO messages (
			id, campaign_id, party_id, sender_id, sender_name,
			message_type, mode, content, extra_data, content_hash, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (party_id, sender_id, created_at, content_hash) DO NOTHING`

	_, err = s.db.Exec(ctx, query,
		msg.ID, msg.CampaignID, msg.PartyID, msg.SenderID, msg.SenderName,
		msg.Type, msg.Mode, msg.Content, extraJSON, ContentHash(msg.Content), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// AppendCombatTurn persists one combat-log row.
func (s *PostgresStore) AppendCombatTurn(ctx context.Context, turn *CombatTurn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	resultJSON, err := json.Marshal(emptyMap(turn.Result))
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}

	const query = `
		INSERT INTO combat_turns (
			id, party_id, encounter_id, combatant_id, combatant_name,
			turn_number, action_type, result, bap_applied, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, COALESCE($10, now()))`

	var createdAt any
	if !turn.CreatedAt.IsZero() {
		createdAt = turn.CreatedAt
	}
	_, err = s.db.Exec(ctx, query,
		turn.ID, turn.PartyID, turn.EncounterID, turn.CombatantID, turn.CombatantName,
		turn.TurnNumber, turn.ActionType, resultJSON, turn.BAPApplied, createdAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("store: append combat turn: %w", err)
	}
	return nil
}

// StartEncounter opens a new encounter, closing any encounter still active
// for the party so the one-active-per-party invariant holds.
func (s *PostgresStore) StartEncounter(ctx context.Context, partyID string) (string, error) {
	if _, err := s.db.Exec(ctx,
		`UPDATE encounters SET active = false, ended_at = now() WHERE party_id = $1 AND active`,
		partyID,
	); err != nil {
		return "", fmt.Errorf("store: start encounter: close previous: %w", err)
	}

	id := uuid.NewString()
	if _, err := s.db.Exec(ctx,
		`INSERT INTO encounters (id, party_id, active) VALUES ($1, $2, true)`,
		id, partyID,
	); err != nil {
		return "", fmt.Errorf("store: start encounter: %w", err)
	}
	return id, nil
}

// EndEncounter deactivates an encounter and optionally restores the party's
// ability budgets.
func (s *PostgresStore) EndEncounter(ctx context.Context, id string, restoreBudgets bool) error {
	var partyID string
	err := s.db.QueryRow(ctx,
		`UPDATE encounters SET active = false, ended_at = now() WHERE id = $1 AND active RETURNING party_id`,
		id,
	).Scan(&partyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: end encounter %q: no active encounter", id)
		}
		return fmt.Errorf("store: end encounter %q: %w", id, err)
	}
	if restoreBudgets {
		return s.ResetAbilityBudgets(ctx, partyID)
	}
	return nil
}

// UpsertInitiativeRoll records a roll; a re-roll by the same combatant in
// the same encounter replaces the earlier row.
func (s *PostgresStore) UpsertInitiativeRoll(ctx context.Context, roll *InitiativeRoll) error {
	if roll.ID == "" {
		roll.ID = uuid.NewString()
	}
	const query = `
		INSERT INTO initiative_rolls (
			id, encounter_id, character_id, npc_id, combatant_name,
			roll_result, silent, rolled_by_sw
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (encounter_id, character_id, npc_id) DO UPDATE SET
			combatant_name = EXCLUDED.combatant_name,
			roll_result = EXCLUDED.roll_result,
			silent = EXCLUDED.silent,
			rolled_by_sw = EXCLUDED.rolled_by_sw`

	_, err := s.db.Exec(ctx, query,
		roll.ID, roll.EncounterID, roll.CharacterID, roll.NPCID, roll.CombatantName,
		roll.RollResult, roll.Silent, roll.RolledBySW,
	)
	if err != nil {
		return fmt.Errorf("store: upsert initiative roll: %w", err)
	}
	return nil
}

// ResetAbilityBudgets restores uses_remaining (and max_uses) to
// level × uses-per-level for every ability of every character in the party.
func (s *PostgresStore) ResetAbilityBudgets(ctx context.Context, partyID string) error {
	const query = `
		UPDATE abilities a SET
			uses_remaining = c.level * $2,
			max_uses = c.level * $2
		FROM characters c
		WHERE a.character_id = c.id AND c.party_id = $1`

	if _, err := s.db.Exec(ctx, query, partyID, s.usesPerLevel); err != nil {
		return fmt.Errorf("store: reset ability budgets: %w", err)
	}
	return nil
}

// UpdateCharacterDP writes a character's DP, derived status, and Calling flag.
func (s *PostgresStore) UpdateCharacterDP(ctx context.Context, id string, dp int, status CombatantStatus, inCalling bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE characters SET dp = $2, status = $3, in_calling = $4, updated_at = now() WHERE id = $1`,
		id, dp, status, inCalling,
	)
	if err != nil {
		return fmt.Errorf("store: update character dp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update character dp: character %q not found", id)
	}
	return nil
}

// UpdateNPCDP writes an NPC's DP and derived status.
func (s *PostgresStore) UpdateNPCDP(ctx context.Context, id string, dp int, status CombatantStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE npcs SET dp = $2, status = $3, updated_at = now() WHERE id = $1`,
		id, dp, status,
	)
	if err != nil {
		return fmt.Errorf("store: update npc dp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update npc dp: npc %q not found", id)
	}
	return nil
}

// UpdateAbilityUses writes an ability's remaining use budget.
func (s *PostgresStore) UpdateAbilityUses(ctx context.Context, id string, usesRemaining int) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE abilities SET uses_remaining = $2 WHERE id = $1`,
		id, usesRemaining,
	)
	if err != nil {
		return fmt.Errorf("store: update ability uses: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: update ability uses: ability %q not found", id)
	}
	return nil
}

// ContentHash returns the hex SHA-256 of a message's content, used in the
// idempotence key for message appends.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map. This ensures
// JSON marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
