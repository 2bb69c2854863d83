package macro

import (
	"context"
	"fmt"
	"strings"

	"github.com/storyweave/partyhub/internal/dice"
	"github.com/storyweave/partyhub/internal/mention"
	"github.com/storyweave/partyhub/internal/party"
	"github.com/storyweave/partyhub/internal/store"
	"github.com/storyweave/partyhub/internal/wire"
)

// Buff and debuff durations are the success margin clamped to [1,6] rounds.
const (
	minEffectDuration = 1
	maxEffectDuration = 6
)

// handleAbility executes a character ability macro: budget check, use
// decrement, then per-target resolution according to the ability's effect
// type.
func (d *Dispatcher) handleAbility(ctx context.Context, req Request, cmd string) (*Outcome, error) {
	snap := senderSnapshot(req)
	if snap == nil {
		return nil, Usagef("Unknown command: %s", cmd)
	}
	ab := snap.AbilityByCommand(cmd)
	if ab == nil {
		return nil, Usagef("Unknown command: %s", cmd)
	}

	targets, err := d.resolveAbilityTargets(ctx, req, ab)
	if err != nil {
		return nil, err
	}

	if ab.UsesRemaining <= 0 {
		return nil, Budgetf("No uses of %s remaining this encounter.", ab.DisplayName)
	}
	if err := d.store.UpdateAbilityUses(ctx, ab.ID, ab.UsesRemaining-1); err != nil {
		if d.metrics != nil {
			d.metrics.RecordStoreError(ctx, "update_ability_uses")
		}
		return nil, StoreError(err)
	}
	ab.UsesRemaining--

	results := make([]wire.AbilityTargetResult, 0, max(len(targets), 1))
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Snap.Name)
	}

	switch ab.EffectType {
	case store.EffectDamage:
		for _, t := range targets {
			r, err := d.castDamage(ctx, snap, ab, t)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		}
	case store.EffectHeal:
		for _, t := range targets {
			r, err := d.castHeal(ctx, snap, ab, t)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		}
	case store.EffectBuff, store.EffectDebuff:
		for _, t := range targets {
			r, err := d.castContested(snap, ab, t)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		}
	case store.EffectUtility:
		r, err := d.castUtility(snap, ab)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	default:
		return nil, InternalError(fmt.Errorf("ability %s: unknown effect type %q", ab.MacroCommand, ab.EffectType))
	}

	d.appendTurn(ctx, req, "ability", snap, map[string]any{
		"ability": ab.DisplayName,
		"command": ab.MacroCommand,
		"effect":  string(ab.EffectType),
		"targets": names,
		"results": results,
	}, false)

	return &Outcome{
		Broadcast: wire.AbilityCast{
			Type:    wire.TypeAbilityCast,
			Caster:  snap.Name,
			Ability: ab.DisplayName,
			Targets: names,
			Resolution: wire.AbilityResolution{
				Effect:  string(ab.EffectType),
				Results: results,
			},
			UsesRemaining: ab.UsesRemaining,
		},
		FrameType: wire.TypeAbilityCast,
		Kind:      store.MessageCombat,
		Content:   req.Text,
		Extra: map[string]any{
			"ability":        ab.DisplayName,
			"effect":         string(ab.EffectType),
			"targets":        names,
			"uses_remaining": ab.UsesRemaining,
		},
	}, nil
}

// resolveAbilityTargets resolves the @mentions for an ability cast and
// enforces the target-count rules: utility ignores targets, heal and buff
// fall back to the caster when no target is named, everything else needs at
// least one, and single-target abilities accept exactly one.
func (d *Dispatcher) resolveAbilityTargets(ctx context.Context, req Request, ab *store.Ability) ([]mention.Target, error) {
	if ab.EffectType == store.EffectUtility {
		return nil, nil
	}

	res, err := d.resolver.Resolve(ctx, req.Text, req.Live.ID, req.Conn.IsSW(), req.Live)
	if err != nil {
		return nil, StoreError(err)
	}
	if len(res.Unresolved) > 0 {
		u := res.Unresolved[0]
		msg := fmt.Sprintf("Target not found: @%s. Use /who to see available targets.", u.Token)
		if len(u.Suggestions) > 0 {
			msg += " Did you mean: " + strings.Join(u.Suggestions, ", ") + "?"
		}
		return nil, Mentionf("%s", msg)
	}
	if len(res.Ambiguous) > 0 {
		a := res.Ambiguous[0]
		return nil, Mentionf("Ambiguous target @%s: matches %s.", a.Token, strings.Join(a.Candidates, ", "))
	}

	targets := dedupeTargets(res.Mentions)
	if len(targets) == 0 {
		switch ab.EffectType {
		case store.EffectHeal, store.EffectBuff:
			snap := senderSnapshot(req)
			return []mention.Target{{Kind: snap.Kind, Snap: snap, Live: true}}, nil
		default:
			return nil, Usagef("Usage: %s @target", ab.MacroCommand)
		}
	}
	if !ab.AoE && len(targets) > 1 {
		return nil, Usagef("%s takes exactly one @target.", ab.MacroCommand)
	}
	return targets, nil
}

// dedupeTargets drops repeat mentions of the same combatant, keeping first
// appearance order.
func dedupeTargets(in []mention.Target) []mention.Target {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, t := range in {
		if seen[t.Snap.ID] {
			continue
		}
		seen[t.Snap.ID] = true
		out = append(out, t)
	}
	return out
}

// castRoll evaluates the ability die plus the caster's power-source stat
// and edge.
func (d *Dispatcher) castRoll(caster *castSource, die string) (total int, err error) {
	res, err := dice.Evaluate(d.roller, die)
	if err != nil {
		return 0, InternalError(fmt.Errorf("ability die %q: %w", die, err))
	}
	return res.Total + caster.stat + caster.edge, nil
}

// castSource is the caster-side modifiers for one cast.
type castSource struct {
	stat int
	edge int
}

func sourceFor(snap *party.Snapshot, ab *store.Ability) castSource {
	return castSource{stat: snap.Stat(string(ab.PowerSource)), edge: snap.Edge}
}

// defenseRoll evaluates a target's defense die plus PP and edge.
func (d *Dispatcher) defenseRoll(target mention.Target) (int, error) {
	snap := target.Snap
	res, err := dice.Evaluate(d.roller, snap.DefenseDie)
	if err != nil {
		return 0, InternalError(fmt.Errorf("defense die %q: %w", snap.DefenseDie, err))
	}
	return res.Total + snap.PP + snap.Edge, nil
}

func (d *Dispatcher) castDamage(ctx context.Context, caster *party.Snapshot, ab *store.Ability, target mention.Target) (wire.AbilityTargetResult, error) {
	src := sourceFor(caster, ab)
	atk, err := d.castRoll(&src, ab.Die)
	if err != nil {
		return wire.AbilityTargetResult{}, err
	}
	def, err := d.defenseRoll(target)
	if err != nil {
		return wire.AbilityTargetResult{}, err
	}

	margin := atk - def
	r := wire.AbilityTargetResult{
		Target:       target.Snap.Name,
		AttackTotal:  atk,
		DefenseTotal: def,
		Margin:       margin,
		NewDP:        target.Snap.DP,
	}
	if margin > 0 {
		r.Success = true
		r.Damage = margin
		newDP, err := d.applyDamage(ctx, target, margin)
		if err != nil {
			return wire.AbilityTargetResult{}, err
		}
		r.NewDP = newDP
	}
	return r, nil
}

func (d *Dispatcher) castHeal(ctx context.Context, caster *party.Snapshot, ab *store.Ability, target mention.Target) (wire.AbilityTargetResult, error) {
	src := sourceFor(caster, ab)
	amount, err := d.castRoll(&src, ab.Die)
	if err != nil {
		return wire.AbilityTargetResult{}, err
	}
	newDP, healed, err := d.applyHeal(ctx, target, amount)
	if err != nil {
		return wire.AbilityTargetResult{}, err
	}
	return wire.AbilityTargetResult{
		Target:  target.Snap.Name,
		Healed:  healed,
		NewDP:   newDP,
		Success: true,
	}, nil
}

func (d *Dispatcher) castContested(caster *party.Snapshot, ab *store.Ability, target mention.Target) (wire.AbilityTargetResult, error) {
	src := sourceFor(caster, ab)
	atk, err := d.castRoll(&src, ab.Die)
	if err != nil {
		return wire.AbilityTargetResult{}, err
	}
	def, err := d.defenseRoll(target)
	if err != nil {
		return wire.AbilityTargetResult{}, err
	}

	margin := atk - def
	r := wire.AbilityTargetResult{
		Target:       target.Snap.Name,
		AttackTotal:  atk,
		DefenseTotal: def,
		Margin:       margin,
	}
	if margin > 0 {
		r.Success = true
		r.Duration = min(max(margin, minEffectDuration), maxEffectDuration)
	}
	return r, nil
}

func (d *Dispatcher) castUtility(caster *party.Snapshot, ab *store.Ability) (wire.AbilityTargetResult, error) {
	src := sourceFor(caster, ab)
	total, err := d.castRoll(&src, ab.Die)
	if err != nil {
		return wire.AbilityTargetResult{}, err
	}
	return wire.AbilityTargetResult{
		Target:      caster.Name,
		AttackTotal: total,
		Success:     true,
	}, nil
}
