package macro

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/storyweave/partyhub/internal/encounter"
	"github.com/storyweave/partyhub/internal/mention"
	"github.com/storyweave/partyhub/internal/party"
	"github.com/storyweave/partyhub/internal/rules"
	"github.com/storyweave/partyhub/internal/store"
	"github.com/storyweave/partyhub/internal/wire"
)

// handleInitiative routes the /initiative subcommands: a bare self-roll,
// SW rolls on behalf of a target (optionally silent), the turn-order
// listing, and ending or clearing the encounter.
func (d *Dispatcher) handleInitiative(ctx context.Context, req Request, args []string) (*Outcome, error) {
	if len(args) == 0 {
		return d.initiativeSelfRoll(ctx, req)
	}
	switch strings.ToLower(args[0]) {
	case "show":
		return d.initiativeShow(req)
	case "next":
		return d.initiativeNext(req)
	case "end":
		return d.initiativeEnd(ctx, req, true, "Encounter ended. Abilities restored.")
	case "clear":
		return d.initiativeEnd(ctx, req, false, "Encounter cleared.")
	case "silent":
		return d.initiativeFor(ctx, req, true)
	default:
		return d.initiativeFor(ctx, req, false)
	}
}

// initiativeSelfRoll rolls 1d6 + edge for the sender's bound character,
// opening a fresh encounter when none is open.
func (d *Dispatcher) initiativeSelfRoll(ctx context.Context, req Request) (*Outcome, error) {
	snap := senderSnapshot(req)
	if snap == nil {
		return nil, Statef("You need a bound character to roll initiative. Reconnect with a character_id.")
	}
	return d.rollInitiative(ctx, req, mention.Target{Kind: snap.Kind, Snap: snap}, false, false)
}

// initiativeFor resolves `/initiative [silent] @target` for the Story
// Weaver, rolling on the target's behalf.
func (d *Dispatcher) initiativeFor(ctx context.Context, req Request, silent bool) (*Outcome, error) {
	ignore, err := d.requireSW(req, "/initiative @target")
	if err != nil {
		return nil, err
	}
	if ignore {
		return nil, nil
	}

	target, err := d.resolveSingleTarget(ctx, req, "/initiative")
	if err != nil {
		return nil, err
	}
	return d.rollInitiative(ctx, req, target, silent, true)
}

// rollInitiative performs the shared roll path: open an encounter if
// needed, write the roll through to the store, then record it on the
// tracker.
func (d *Dispatcher) rollInitiative(ctx context.Context, req Request, target mention.Target, silent, bySW bool) (*Outcome, error) {
	tr := req.Live.Encounter
	if tr.Phase() != encounter.PhaseOpen {
		id, err := d.store.StartEncounter(ctx, req.Live.ID)
		if err != nil {
			if d.metrics != nil {
				d.metrics.RecordStoreError(ctx, "start_encounter")
			}
			return nil, StoreError(err)
		}
		if err := tr.Begin(id); err != nil {
			return nil, InternalError(fmt.Errorf("begin encounter: %w", err))
		}
	}

	snap := target.Snap
	roll := d.roller.Roll(6)
	total := roll + snap.Edge

	row := &store.InitiativeRoll{
		EncounterID:   tr.ID(),
		CombatantName: snap.Name,
		RollResult:    total,
		Silent:        silent,
		RolledBySW:    bySW,
	}
	entry := encounter.Entry{
		Name:        snap.Name,
		Roll:        total,
		PP:          snap.PP,
		IP:          snap.IP,
		SP:          snap.SP,
		Silent:      silent,
		RolledBySW:  bySW,
		OwnerUserID: snap.OwnerUserID,
		HiddenNPC:   snap.Hidden,
	}
	if target.Kind == party.KindNPC {
		row.NPCID = snap.ID
		entry.NPCID = snap.ID
	} else {
		row.CharacterID = snap.ID
		entry.CharacterID = snap.ID
	}

	if err := d.store.UpsertInitiativeRoll(ctx, row); err != nil {
		if d.metrics != nil {
			d.metrics.RecordStoreError(ctx, "upsert_initiative")
		}
		return nil, StoreError(err)
	}
	if err := tr.Record(entry); err != nil {
		return nil, InternalError(fmt.Errorf("record initiative: %w", err))
	}

	frame := wire.Initiative{
		Type:          wire.TypeInitiative,
		Actor:         req.Actor,
		CombatantName: snap.Name,
		Dice:          fmt.Sprintf("1d6+%d", snap.Edge),
		Breakdown:     []int{roll},
		Modifier:      snap.Edge,
		Result:        total,
		Text:          fmt.Sprintf("%s rolls initiative: (%d) + %d = %d", snap.Name, roll, snap.Edge, total),
		Silent:        silent,
		RolledBySW:    bySW,
	}
	out := &Outcome{
		FrameType: wire.TypeInitiative,
		Kind:      store.MessageDiceRoll,
		Content:   req.Text,
		Extra: map[string]any{
			"combatant":    snap.Name,
			"roll":         roll,
			"edge":         snap.Edge,
			"total":        total,
			"silent":       silent,
			"rolled_by_sw": bySW,
		},
	}
	if silent || snap.Hidden {
		// Hidden entries never hit the public channel. The SW gets a
		// private confirmation instead.
		out.Private = fmt.Sprintf("Silently rolled initiative for %s: (%d) + %d = %d", snap.Name, roll, snap.Edge, total)
	} else {
		out.Broadcast = frame
	}
	return out, nil
}

// initiativeShow replies privately with the turn order visible to the
// sender.
func (d *Dispatcher) initiativeShow(req Request) (*Outcome, error) {
	tr := req.Live.Encounter
	if tr.Phase() != encounter.PhaseOpen || tr.Len() == 0 {
		return nil, Statef("No initiative rolls yet.")
	}

	entries := tr.Visible(req.Conn.UserID, req.Conn.IsSW())
	if len(entries) == 0 {
		return nil, Statef("No initiative rolls yet.")
	}

	var b strings.Builder
	b.WriteString("Turn order:")
	for i, e := range entries {
		fmt.Fprintf(&b, "\n%d. %s (%d)", i+1, e.Name, e.Roll)
	}
	return &Outcome{Private: b.String()}, nil
}

// initiativeNext advances the turn pointer and announces whose turn it is,
// wrapping into a new round past the last combatant. SW only: the Story
// Weaver paces combat, and calling a hidden combatant's turn is their
// reveal to make.
func (d *Dispatcher) initiativeNext(req Request) (*Outcome, error) {
	ignore, err := d.requireSW(req, "/initiative next")
	if err != nil {
		return nil, err
	}
	if ignore {
		return nil, nil
	}

	entry, round, err := req.Live.Encounter.Next()
	switch {
	case errors.Is(err, encounter.ErrNotOpen):
		return nil, Statef("No encounter is open.")
	case errors.Is(err, encounter.ErrNoRolls):
		return nil, Statef("No initiative rolls yet.")
	case err != nil:
		return nil, InternalError(err)
	}

	notice := fmt.Sprintf("Round %d: %s's turn.", round, entry.Name)
	return &Outcome{
		Broadcast: wire.NewSystem(req.Live.ID, notice),
		FrameType: wire.TypeSystem,
		Kind:      store.MessageSystem,
		Content:   notice,
		Extra: map[string]any{
			"round":     round,
			"combatant": entry.Name,
		},
	}, nil
}

// initiativeEnd closes the open encounter. When restore is true the
// per-encounter ability budgets of every party character come back.
func (d *Dispatcher) initiativeEnd(ctx context.Context, req Request, restore bool, notice string) (*Outcome, error) {
	ignore, err := d.requireSW(req, "/initiative end")
	if err != nil {
		return nil, err
	}
	if ignore {
		return nil, nil
	}

	tr := req.Live.Encounter
	if tr.Phase() != encounter.PhaseOpen {
		return nil, Statef("No encounter is open.")
	}

	if err := d.store.EndEncounter(ctx, tr.ID(), restore); err != nil {
		if d.metrics != nil {
			d.metrics.RecordStoreError(ctx, "end_encounter")
		}
		return nil, StoreError(err)
	}
	if err := tr.End(); err != nil && !errors.Is(err, encounter.ErrNotOpen) {
		return nil, InternalError(fmt.Errorf("end encounter: %w", err))
	}

	if restore {
		for id := range req.Live.CachedIDs() {
			snap := req.Live.Snapshot(id)
			if snap == nil || snap.Kind != party.KindCharacter {
				continue
			}
			budget := rules.AbilityBudget(snap.Level, d.usesPerLevel)
			for i := range snap.Abilities {
				snap.Abilities[i].UsesRemaining = budget
			}
		}
	}

	return &Outcome{
		Broadcast: wire.NewSystem(req.Live.ID, notice),
		FrameType: wire.TypeSystem,
		Kind:      store.MessageSystem,
		Content:   notice,
	}, nil
}
