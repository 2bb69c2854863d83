package macro

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/storyweave/partyhub/internal/config"
	"github.com/storyweave/partyhub/internal/dice"
	"github.com/storyweave/partyhub/internal/encounter"
	"github.com/storyweave/partyhub/internal/mention"
	"github.com/storyweave/partyhub/internal/party"
	"github.com/storyweave/partyhub/internal/store"
	"github.com/storyweave/partyhub/internal/wire"
)

// script returns a roller that replays vals in order and fails the test on
// extra rolls.
func script(t *testing.T, vals ...int) dice.Roller {
	t.Helper()
	i := 0
	return dice.RollerFunc(func(sides int) int {
		if i >= len(vals) {
			t.Fatalf("unexpected roll #%d (d%d)", i+1, sides)
		}
		v := vals[i]
		i++
		return v
	})
}

type fixture struct {
	st     *store.MemStore
	live   *party.Live
	player *party.Conn
	sw     *party.Conn
	kira   *party.Snapshot
}

// newFixture seeds a party with one bound player character (Kira, level 4),
// two visible NPCs (Goblin, Wolf), and one ability per effect type, and
// installs Kira's snapshot in the live cache.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemStore()
	st.PutParty(store.Party{ID: "p1", CampaignID: "camp1", Name: "The Vanguard", Type: store.PartyStandard, StoryWeaverUserID: "sw1"})
	st.PutCharacter(store.Character{
		ID: "c1", PartyID: "p1", OwnerUserID: "u1", Name: "Kira",
		Level: 4, PP: 3, IP: 2, SP: 1, DP: 25, MaxDP: 25, Edge: 2, BAP: 2,
		AttackStyle: "3d4", DefenseDie: "1d6", Status: store.StatusActive,
	})
	st.PutNPC(store.NPC{
		ID: "n1", PartyID: "p1", CreatedBy: "sw1", Name: "Goblin",
		Level: 2, PP: 1, IP: 1, SP: 1, DP: 10, MaxDP: 10, Edge: 1, BAP: 1,
		AttackStyle: "1d4", DefenseDie: "1d6", ArmorBonus: 2,
		Type: store.NPCHostile, VisibleToPlayers: true, Status: store.StatusActive,
	})
	st.PutNPC(store.NPC{
		ID: "n2", PartyID: "p1", CreatedBy: "sw1", Name: "Wolf",
		Level: 1, PP: 2, IP: 1, SP: 1, DP: 8, MaxDP: 8, Edge: 0, BAP: 1,
		AttackStyle: "1d4", DefenseDie: "1d6",
		Type: store.NPCHostile, VisibleToPlayers: true, Status: store.StatusActive,
	})
	st.PutAbility(store.Ability{
		ID: "a1", CharacterID: "c1", Slot: 1, Type: store.AbilitySpell,
		DisplayName: "Fireball", MacroCommand: "/fireball",
		PowerSource: store.SourceIP, EffectType: store.EffectDamage,
		Die: "1d8", MaxUses: 12, UsesRemaining: 2,
	})
	st.PutAbility(store.Ability{
		ID: "a2", CharacterID: "c1", Slot: 2, Type: store.AbilitySpell,
		DisplayName: "Mend", MacroCommand: "/mend",
		PowerSource: store.SourceSP, EffectType: store.EffectHeal,
		Die: "1d6", MaxUses: 12, UsesRemaining: 3,
	})
	st.PutAbility(store.Ability{
		ID: "a3", CharacterID: "c1", Slot: 3, Type: store.AbilityTechnique,
		DisplayName: "Warcry", MacroCommand: "/warcry",
		PowerSource: store.SourcePP, EffectType: store.EffectBuff,
		Die: "1d6", MaxUses: 12, UsesRemaining: 3,
	})
	st.PutAbility(store.Ability{
		ID: "a4", CharacterID: "c1", Slot: 4, Type: store.AbilitySpell,
		DisplayName: "Hex", MacroCommand: "/hex",
		PowerSource: store.SourceIP, EffectType: store.EffectDebuff,
		Die: "1d6", MaxUses: 12, UsesRemaining: 3,
	})
	st.PutAbility(store.Ability{
		ID: "a5", CharacterID: "c1", Slot: 5, Type: store.AbilitySpell,
		DisplayName: "Nova", MacroCommand: "/nova",
		PowerSource: store.SourceIP, EffectType: store.EffectDamage,
		Die: "1d8", AoE: true, MaxUses: 12, UsesRemaining: 3,
	})
	st.PutAbility(store.Ability{
		ID: "a6", CharacterID: "c1", Slot: 6, Type: store.AbilitySpecial,
		DisplayName: "Scout", MacroCommand: "/scout",
		PowerSource: store.SourceSP, EffectType: store.EffectUtility,
		Die: "1d6", MaxUses: 12, UsesRemaining: 3,
	})

	p, err := st.LoadParty(context.Background(), "p1")
	if err != nil {
		t.Fatalf("LoadParty: %v", err)
	}
	live := party.NewLive(p)

	c, err := st.LoadCharacter(context.Background(), "c1")
	if err != nil {
		t.Fatalf("LoadCharacter: %v", err)
	}
	abs, err := st.ListAbilities(context.Background(), "c1")
	if err != nil {
		t.Fatalf("ListAbilities: %v", err)
	}
	kira := live.Install(party.SnapshotCharacter(c, abs))

	player := party.NewConn("u1", "c1", party.RolePlayer, nil)
	sw := party.NewConn("sw1", "", party.RoleStoryWeaver, nil)
	live.AddConn(player)
	live.AddConn(sw)

	return &fixture{st: st, live: live, player: player, sw: sw, kira: kira}
}

func (f *fixture) dispatcher(roller dice.Roller, session config.SessionConfig) *Dispatcher {
	if session.VisibilityPolicy == "" {
		session.VisibilityPolicy = config.VisibilityReject
	}
	return NewDispatcher(f.st, roller, mention.NewResolver(f.st), nil, session)
}

func (f *fixture) playerReq(text string) Request {
	return Request{Live: f.live, Conn: f.player, Actor: "Kira", Text: text}
}

func (f *fixture) swReq(text string) Request {
	return Request{Live: f.live, Conn: f.sw, Actor: "The Story Weaver", Text: text}
}

// wantKind asserts err is a macro error of the given kind.
func wantKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var mErr *Error
	if !errors.As(err, &mErr) {
		t.Fatalf("error = %v, want *macro.Error", err)
	}
	if mErr.Kind != kind {
		t.Fatalf("error kind = %s, want %s (%v)", mErr.Kind, kind, mErr)
	}
	return mErr
}

func TestDispatchRoll(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t, 3, 1), config.SessionConfig{})

	out, err := d.Dispatch(context.Background(), f.playerReq("/roll 2d6+3"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	frame, ok := out.Broadcast.(wire.DiceRoll)
	if !ok {
		t.Fatalf("broadcast = %T, want wire.DiceRoll", out.Broadcast)
	}
	if frame.Result != 7 {
		t.Errorf("result = %d, want 7", frame.Result)
	}
	if want := "2d6+3 → (3 + 1) + 3 = 7"; frame.Text != want {
		t.Errorf("text = %q, want %q", frame.Text, want)
	}
	if out.Kind != store.MessageDiceRoll {
		t.Errorf("message kind = %q, want %q", out.Kind, store.MessageDiceRoll)
	}
	if out.FrameType != wire.TypeDiceRoll {
		t.Errorf("frame type = %q, want %q", out.FrameType, wire.TypeDiceRoll)
	}
}

func TestDispatchRollErrors(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t), config.SessionConfig{})

	for _, tt := range []struct {
		text string
		want string
	}{
		{"/roll", "Usage:"},
		{"/roll 2x6", "Invalid dice notation"},
		{"/roll d20", "Unsupported die size"},
		{"/roll 99d6", "Too many dice"},
	} {
		_, err := d.Dispatch(context.Background(), f.playerReq(tt.text))
		mErr := wantKind(t, err, KindUsage)
		if !strings.Contains(mErr.Message, tt.want) {
			t.Errorf("%s: message = %q, want substring %q", tt.text, mErr.Message, tt.want)
		}
	}
}

func TestDispatchStatCheck(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t, 4), config.SessionConfig{})

	out, err := d.Dispatch(context.Background(), f.playerReq("/pp"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	frame, ok := out.Broadcast.(wire.StatRoll)
	if !ok {
		t.Fatalf("broadcast = %T, want wire.StatRoll", out.Broadcast)
	}
	// Kira: PP 3 + edge 2 on top of the rolled 4.
	if frame.Result != 9 {
		t.Errorf("result = %d, want 9", frame.Result)
	}
	if frame.Modifier != 5 {
		t.Errorf("modifier = %d, want 5", frame.Modifier)
	}
	if frame.Stat != "PP" {
		t.Errorf("stat = %q, want PP", frame.Stat)
	}
}

func TestDispatchAttack(t *testing.T) {
	f := newFixture(t)
	// Defense d6 rolls 5: 5 + PP 1 + edge 1 + armor 2 = 9.
	// Attack 3d4 rolls 2, 4, 4 with +5 (PP 3 + edge 2): 7, 9, 9.
	d := f.dispatcher(script(t, 5, 2, 4, 4), config.SessionConfig{})

	out, err := d.Dispatch(context.Background(), f.playerReq("/attack @Goblin"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	frame, ok := out.Broadcast.(wire.CombatResult)
	if !ok {
		t.Fatalf("broadcast = %T, want wire.CombatResult", out.Broadcast)
	}

	if frame.Outcome != "miss" {
		t.Errorf("outcome = %q, want miss", frame.Outcome)
	}
	if frame.TotalDamage != 0 {
		t.Errorf("total damage = %d, want 0", frame.TotalDamage)
	}
	if frame.DefenderNewDP != 10 {
		t.Errorf("defender dp = %d, want 10", frame.DefenderNewDP)
	}
	if want := "Kira misses Goblin."; frame.Narrative != want {
		t.Errorf("narrative = %q, want %q", frame.Narrative, want)
	}

	turns := f.st.CombatTurns()
	if len(turns) != 1 {
		t.Fatalf("combat turns = %d, want 1", len(turns))
	}
	if turns[0].ActionType != "attack" {
		t.Errorf("action type = %q, want attack", turns[0].ActionType)
	}
}

func TestDispatchAttackAppliesDamage(t *testing.T) {
	f := newFixture(t)
	// Defense d6 rolls 1: total 5. Attack rolls 2, 4, 4 → 7, 9, 9.
	// Margins 2, 4, 4 for 10 total; every die lands.
	d := f.dispatcher(script(t, 1, 2, 4, 4), config.SessionConfig{})

	out, err := d.Dispatch(context.Background(), f.playerReq("/attack @Goblin"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	frame := out.Broadcast.(wire.CombatResult)

	if frame.Outcome != "full_hit" {
		t.Errorf("outcome = %q, want full_hit", frame.Outcome)
	}
	if frame.TotalDamage != 10 {
		t.Errorf("total damage = %d, want 10", frame.TotalDamage)
	}
	if frame.DefenderNewDP != 0 {
		t.Errorf("defender dp = %d, want 0", frame.DefenderNewDP)
	}
	if want := "Kira hits Goblin 3 of 3 times for 10 damage."; frame.Narrative != want {
		t.Errorf("narrative = %q, want %q", frame.Narrative, want)
	}

	n, err := f.st.LoadNPC(context.Background(), "n1")
	if err != nil {
		t.Fatalf("LoadNPC: %v", err)
	}
	if n.DP != 0 {
		t.Errorf("stored dp = %d, want 0", n.DP)
	}
	if n.Status != store.StatusUnconscious {
		t.Errorf("stored status = %q, want unconscious", n.Status)
	}
}

func TestDispatchAttackUnknownTarget(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t), config.SessionConfig{})

	_, err := d.Dispatch(context.Background(), f.playerReq("/attack @Gobbo"))
	mErr := wantKind(t, err, KindMention)
	if !strings.Contains(mErr.Message, "Target not found: @Gobbo") {
		t.Errorf("message = %q, want target-not-found text", mErr.Message)
	}
	if !strings.Contains(mErr.Message, "Goblin") {
		t.Errorf("message = %q, want Goblin suggestion", mErr.Message)
	}
}

func TestDispatchAttackSelfTarget(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t), config.SessionConfig{})

	_, err := d.Dispatch(context.Background(), f.playerReq("/attack @Kira"))
	wantKind(t, err, KindUsage)
}

func TestDispatchThrottle(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t, 3, 1), config.SessionConfig{MacroThrottleMS: 700})

	if _, err := d.Dispatch(context.Background(), f.playerReq("/roll 2d6")); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	_, err := d.Dispatch(context.Background(), f.playerReq("/roll 2d6"))
	wantKind(t, err, KindThrottle)
}

func TestDispatchFailedMacroDoesNotConsumeThrottle(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t, 3, 1), config.SessionConfig{MacroThrottleMS: 700})
	ctx := context.Background()

	_, err := d.Dispatch(ctx, f.playerReq("/roll 2x6"))
	wantKind(t, err, KindUsage)

	// The failed command gave its slot back; a corrected retry goes through.
	if _, err := d.Dispatch(ctx, f.playerReq("/roll 2d6")); err != nil {
		t.Fatalf("retry after failed macro: %v", err)
	}

	// The accepted command does hold the window.
	_, err = d.Dispatch(ctx, f.playerReq("/roll 2d6"))
	wantKind(t, err, KindThrottle)
}

func TestDispatchPermissionReject(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t), config.SessionConfig{VisibilityPolicy: config.VisibilityReject})

	_, err := d.Dispatch(context.Background(), f.playerReq("/initiative end"))
	mErr := wantKind(t, err, KindPermission)
	if !strings.Contains(mErr.Message, "Story Weaver") {
		t.Errorf("message = %q, want Story Weaver mention", mErr.Message)
	}
}

func TestDispatchPermissionIgnore(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t), config.SessionConfig{VisibilityPolicy: config.VisibilityIgnore})

	out, err := d.Dispatch(context.Background(), f.playerReq("/initiative end"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out != nil {
		t.Errorf("outcome = %+v, want nil (silent drop)", out)
	}
}

func TestDispatchInitiativeLifecycle(t *testing.T) {
	f := newFixture(t)
	f.kira.Abilities[0].UsesRemaining = 0
	// Self roll 1d6 → 4, plus edge 2.
	d := f.dispatcher(script(t, 4), config.SessionConfig{})
	ctx := context.Background()

	out, err := d.Dispatch(ctx, f.playerReq("/initiative"))
	if err != nil {
		t.Fatalf("self roll: %v", err)
	}
	frame, ok := out.Broadcast.(wire.Initiative)
	if !ok {
		t.Fatalf("broadcast = %T, want wire.Initiative", out.Broadcast)
	}
	if frame.Result != 6 {
		t.Errorf("result = %d, want 6", frame.Result)
	}
	if f.live.Encounter.Phase() != encounter.PhaseOpen {
		t.Fatalf("phase = %v, want open", f.live.Encounter.Phase())
	}
	enc := f.st.ActiveEncounter("p1")
	if enc == nil {
		t.Fatal("no active encounter persisted")
	}
	if rolls := f.st.InitiativeRolls(enc.ID); len(rolls) != 1 || rolls[0].RollResult != 6 {
		t.Errorf("persisted rolls = %+v, want one roll of 6", rolls)
	}

	out, err = d.Dispatch(ctx, f.playerReq("/initiative show"))
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.Private, "1. Kira (6)") {
		t.Errorf("show reply = %q, want Kira at position 1", out.Private)
	}

	out, err = d.Dispatch(ctx, f.swReq("/initiative end"))
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	sys, ok := out.Broadcast.(wire.System)
	if !ok {
		t.Fatalf("broadcast = %T, want wire.System", out.Broadcast)
	}
	if !strings.Contains(sys.Text, "Encounter ended") {
		t.Errorf("notice = %q, want encounter-ended text", sys.Text)
	}
	if f.st.ActiveEncounter("p1") != nil {
		t.Error("encounter still active after end")
	}
	// Budgets restore to 3 uses per level at level 4.
	if got := f.kira.Abilities[0].UsesRemaining; got != 12 {
		t.Errorf("snapshot uses = %d, want 12", got)
	}

	_, err = d.Dispatch(ctx, f.swReq("/initiative end"))
	wantKind(t, err, KindState)
}

func TestDispatchInitiativeNext(t *testing.T) {
	f := newFixture(t)
	// Kira self-rolls 4 (+2 edge = 6); the SW rolls 2 for Goblin (+1 = 3).
	d := f.dispatcher(script(t, 4, 2), config.SessionConfig{})
	ctx := context.Background()

	_, err := d.Dispatch(ctx, f.swReq("/initiative next"))
	wantKind(t, err, KindState)

	if _, err := d.Dispatch(ctx, f.playerReq("/initiative")); err != nil {
		t.Fatalf("self roll: %v", err)
	}
	if _, err := d.Dispatch(ctx, f.swReq("/initiative @Goblin")); err != nil {
		t.Fatalf("sw roll: %v", err)
	}

	// Players do not pace combat.
	_, err = d.Dispatch(ctx, f.playerReq("/initiative next"))
	wantKind(t, err, KindPermission)

	want := []string{
		"Round 1: Kira's turn.",
		"Round 1: Goblin's turn.",
		"Round 2: Kira's turn.",
	}
	for i, w := range want {
		out, err := d.Dispatch(ctx, f.swReq("/initiative next"))
		if err != nil {
			t.Fatalf("next #%d: %v", i+1, err)
		}
		sys, ok := out.Broadcast.(wire.System)
		if !ok {
			t.Fatalf("next #%d: broadcast = %T, want wire.System", i+1, out.Broadcast)
		}
		if sys.Text != w {
			t.Errorf("next #%d = %q, want %q", i+1, sys.Text, w)
		}
		if out.Kind != store.MessageSystem {
			t.Errorf("next #%d: message kind = %q, want %q", i+1, out.Kind, store.MessageSystem)
		}
	}
}

func TestDispatchInitiativeSilent(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t, 3), config.SessionConfig{})

	out, err := d.Dispatch(context.Background(), f.swReq("/initiative silent @Goblin"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Broadcast != nil {
		t.Errorf("broadcast = %+v, want none for a silent roll", out.Broadcast)
	}
	if !strings.Contains(out.Private, "Goblin") {
		t.Errorf("private reply = %q, want Goblin confirmation", out.Private)
	}

	enc := f.st.ActiveEncounter("p1")
	if enc == nil {
		t.Fatal("no active encounter persisted")
	}
	rolls := f.st.InitiativeRolls(enc.ID)
	if len(rolls) != 1 || !rolls[0].Silent || !rolls[0].RolledBySW {
		t.Errorf("persisted rolls = %+v, want one silent SW roll", rolls)
	}
}

func TestDispatchInitiativeShowEmpty(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t), config.SessionConfig{})

	_, err := d.Dispatch(context.Background(), f.playerReq("/initiative show"))
	mErr := wantKind(t, err, KindState)
	if mErr.Message != "No initiative rolls yet." {
		t.Errorf("message = %q", mErr.Message)
	}
}

func TestDispatchAbilityCast(t *testing.T) {
	f := newFixture(t)
	// Fireball d8 rolls 6: 6 + IP 2 + edge 2 = 10.
	// Goblin defense d6 rolls 2: 2 + PP 1 + edge 1 = 4. Margin 6.
	d := f.dispatcher(script(t, 6, 2), config.SessionConfig{})

	out, err := d.Dispatch(context.Background(), f.playerReq("/fireball @Goblin"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	frame, ok := out.Broadcast.(wire.AbilityCast)
	if !ok {
		t.Fatalf("broadcast = %T, want wire.AbilityCast", out.Broadcast)
	}
	if frame.UsesRemaining != 1 {
		t.Errorf("uses remaining = %d, want 1", frame.UsesRemaining)
	}
	if len(frame.Resolution.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(frame.Resolution.Results))
	}
	r := frame.Resolution.Results[0]
	if !r.Success || r.Damage != 6 || r.NewDP != 4 {
		t.Errorf("result = %+v, want success with 6 damage and 4 dp", r)
	}

	n, err := f.st.LoadNPC(context.Background(), "n1")
	if err != nil {
		t.Fatalf("LoadNPC: %v", err)
	}
	if n.DP != 4 {
		t.Errorf("stored dp = %d, want 4", n.DP)
	}
}

func TestDispatchAbilityBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.kira.Abilities[0].UsesRemaining = 0
	d := f.dispatcher(script(t), config.SessionConfig{})

	_, err := d.Dispatch(context.Background(), f.playerReq("/fireball @Goblin"))
	mErr := wantKind(t, err, KindBudget)
	if !strings.Contains(mErr.Message, "Fireball") {
		t.Errorf("message = %q, want ability name", mErr.Message)
	}
}

func TestDispatchAbilityHealSelfDefaultCapped(t *testing.T) {
	f := newFixture(t)
	f.kira.DP = 20
	// Mend d6 rolls 5: 5 + SP 1 + edge 2 = 8 healing against 5 missing DP.
	d := f.dispatcher(script(t, 5), config.SessionConfig{})

	out, err := d.Dispatch(context.Background(), f.playerReq("/mend"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	frame := out.Broadcast.(wire.AbilityCast)

	// No @mention on a heal falls back to the caster.
	if len(frame.Targets) != 1 || frame.Targets[0] != "Kira" {
		t.Fatalf("targets = %v, want [Kira]", frame.Targets)
	}
	r := frame.Resolution.Results[0]
	if !r.Success || r.Healed != 5 || r.NewDP != 25 {
		t.Errorf("result = %+v, want 5 healed up to the 25 cap", r)
	}
	if f.kira.DP != 25 {
		t.Errorf("snapshot dp = %d, want 25", f.kira.DP)
	}

	c, err := f.st.LoadCharacter(context.Background(), "c1")
	if err != nil {
		t.Fatalf("LoadCharacter: %v", err)
	}
	if c.DP != 25 {
		t.Errorf("stored dp = %d, want 25", c.DP)
	}
}

func TestDispatchAbilityContestedDuration(t *testing.T) {
	for _, tt := range []struct {
		name         string
		text         string
		rolls        []int
		wantSuccess  bool
		wantDuration int
	}{
		// Warcry 6 + PP 3 + edge 2 = 11 vs Goblin 1 + PP 1 + edge 1 = 3:
		// margin 8 clamps to the 6-round ceiling.
		{"buff margin clamps high", "/warcry @Goblin", []int{6, 1}, true, 6},
		// Hex 2 + IP 2 + edge 2 = 6 vs 3 + 1 + 1 = 5: margin 1 holds.
		{"debuff margin of one", "/hex @Goblin", []int{2, 3}, true, 1},
		// Hex 1 + 4 = 5 vs 3 + 2 = 5: a tie is a failed cast.
		{"debuff tie fails", "/hex @Goblin", []int{1, 3}, false, 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := f.dispatcher(script(t, tt.rolls...), config.SessionConfig{})

			out, err := d.Dispatch(context.Background(), f.playerReq(tt.text))
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			frame := out.Broadcast.(wire.AbilityCast)
			if len(frame.Resolution.Results) != 1 {
				t.Fatalf("results = %d, want 1", len(frame.Resolution.Results))
			}
			r := frame.Resolution.Results[0]
			if r.Success != tt.wantSuccess || r.Duration != tt.wantDuration {
				t.Errorf("result = %+v, want success=%v duration=%d", r, tt.wantSuccess, tt.wantDuration)
			}
			// Contested effects never touch DP.
			n, err := f.st.LoadNPC(context.Background(), "n1")
			if err != nil {
				t.Fatalf("LoadNPC: %v", err)
			}
			if n.DP != 10 {
				t.Errorf("stored dp = %d, want 10", n.DP)
			}
		})
	}
}

func TestDispatchAbilityBuffSelfDefault(t *testing.T) {
	f := newFixture(t)
	// Warcry 6 + 5 = 11 against Kira's own defense 1 + PP 3 + edge 2 = 6.
	d := f.dispatcher(script(t, 6, 1), config.SessionConfig{})

	out, err := d.Dispatch(context.Background(), f.playerReq("/warcry"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	frame := out.Broadcast.(wire.AbilityCast)
	if len(frame.Targets) != 1 || frame.Targets[0] != "Kira" {
		t.Fatalf("targets = %v, want [Kira]", frame.Targets)
	}
	r := frame.Resolution.Results[0]
	if !r.Success || r.Duration != 5 {
		t.Errorf("result = %+v, want success with duration 5", r)
	}
}

func TestDispatchAbilityUtility(t *testing.T) {
	f := newFixture(t)
	// Scout d6 rolls 4: 4 + SP 1 + edge 2 = 7, an open roll.
	d := f.dispatcher(script(t, 4), config.SessionConfig{})

	out, err := d.Dispatch(context.Background(), f.playerReq("/scout"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	frame := out.Broadcast.(wire.AbilityCast)
	if len(frame.Targets) != 0 {
		t.Errorf("targets = %v, want none", frame.Targets)
	}
	if len(frame.Resolution.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(frame.Resolution.Results))
	}
	r := frame.Resolution.Results[0]
	if !r.Success || r.Target != "Kira" || r.AttackTotal != 7 {
		t.Errorf("result = %+v, want Kira's open roll of 7", r)
	}
	if frame.UsesRemaining != 2 {
		t.Errorf("uses remaining = %d, want 2", frame.UsesRemaining)
	}
}

func TestDispatchAbilityAoEMultiTarget(t *testing.T) {
	f := newFixture(t)
	// Nova d8 rolls 8 then 5 with +4 (IP 2 + edge 2).
	// Goblin defends 1 + 1 + 1 = 3 against 12: margin 9, DP 10 → 1.
	// Wolf defends 6 + PP 2 + edge 0 = 8 against 9: margin 1, DP 8 → 7.
	d := f.dispatcher(script(t, 8, 1, 5, 6), config.SessionConfig{})

	out, err := d.Dispatch(context.Background(), f.playerReq("/nova @Goblin @Wolf"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	frame := out.Broadcast.(wire.AbilityCast)
	if len(frame.Resolution.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(frame.Resolution.Results))
	}
	g, w := frame.Resolution.Results[0], frame.Resolution.Results[1]
	if !g.Success || g.Damage != 9 || g.NewDP != 1 {
		t.Errorf("goblin result = %+v, want 9 damage down to 1 dp", g)
	}
	if !w.Success || w.Damage != 1 || w.NewDP != 7 {
		t.Errorf("wolf result = %+v, want 1 damage down to 7 dp", w)
	}

	for id, want := range map[string]int{"n1": 1, "n2": 7} {
		n, err := f.st.LoadNPC(context.Background(), id)
		if err != nil {
			t.Fatalf("LoadNPC(%s): %v", id, err)
		}
		if n.DP != want {
			t.Errorf("%s stored dp = %d, want %d", id, n.DP, want)
		}
	}
}

func TestDispatchAbilitySingleTargetRejectsMany(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t), config.SessionConfig{})

	_, err := d.Dispatch(context.Background(), f.playerReq("/fireball @Goblin @Wolf"))
	mErr := wantKind(t, err, KindUsage)
	if !strings.Contains(mErr.Message, "exactly one @target") {
		t.Errorf("message = %q, want single-target usage", mErr.Message)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t), config.SessionConfig{})

	_, err := d.Dispatch(context.Background(), f.playerReq("/teleport @Goblin"))
	mErr := wantKind(t, err, KindUsage)
	if !strings.Contains(mErr.Message, "/teleport") {
		t.Errorf("message = %q, want command echo", mErr.Message)
	}
}

func TestDispatchWho(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t), config.SessionConfig{})

	out, err := d.Dispatch(context.Background(), f.playerReq("/who"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Broadcast != nil {
		t.Errorf("broadcast = %+v, want private-only", out.Broadcast)
	}
	if !strings.Contains(out.Private, "Online: Kira") {
		t.Errorf("reply = %q, want Kira online", out.Private)
	}
	if !strings.Contains(out.Private, "NPCs: Goblin") {
		t.Errorf("reply = %q, want Goblin listed", out.Private)
	}
}

// failingUpdates fails DP writes while leaving reads working, exercising the
// write-through ordering.
type failingUpdates struct {
	*store.MemStore
}

func (f *failingUpdates) UpdateNPCDP(ctx context.Context, id string, dp int, status store.CombatantStatus) error {
	return errors.New("boom")
}

func TestDispatchAttackStoreFailureLeavesSnapshot(t *testing.T) {
	f := newFixture(t)
	// Put Goblin in the live cache so the failed write can be checked
	// against the shared snapshot.
	n, err := f.st.LoadNPC(context.Background(), "n1")
	if err != nil {
		t.Fatalf("LoadNPC: %v", err)
	}
	goblin := f.live.Install(party.SnapshotNPC(n))

	st := &failingUpdates{MemStore: f.st}
	d := NewDispatcher(st, script(t, 1, 2, 4, 4), mention.NewResolver(st), nil,
		config.SessionConfig{VisibilityPolicy: config.VisibilityReject})

	_, err = d.Dispatch(context.Background(), f.playerReq("/attack @Goblin"))
	mErr := wantKind(t, err, KindStore)
	if mErr.CorrelationID == "" {
		t.Error("store error missing correlation id")
	}
	if goblin.DP != 10 {
		t.Errorf("snapshot dp = %d, want 10 (unchanged on failed write)", goblin.DP)
	}
}

func TestDispatchNotACommand(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(script(t), config.SessionConfig{})

	_, err := d.Dispatch(context.Background(), f.playerReq("hello there"))
	wantKind(t, err, KindInput)
}
