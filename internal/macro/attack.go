package macro

import (
	"context"
	"fmt"

	"github.com/storyweave/partyhub/internal/dice"
	"github.com/storyweave/partyhub/internal/store"
	"github.com/storyweave/partyhub/internal/wire"
)

// handleAttack resolves `/attack @target`: the sender's attack style
// contested against the target's defense die, damage applied to the
// target's DP with write-through.
func (d *Dispatcher) handleAttack(ctx context.Context, req Request) (*Outcome, error) {
	attacker := senderSnapshot(req)
	if attacker == nil {
		return nil, Statef("You need a bound character to attack. Reconnect with a character_id.")
	}

	target, err := d.resolveSingleTarget(ctx, req, "/attack")
	if err != nil {
		return nil, err
	}
	defender := target.Snap
	if defender.ID == attacker.ID {
		return nil, Usagef("You cannot attack yourself.")
	}

	res, err := dice.ResolveAttack(d.roller, dice.AttackInput{
		AttackStyle:  attacker.AttackStyle,
		AttackerStat: attacker.PP,
		AttackerEdge: attacker.Edge,
		AttackerBAP:  attacker.BAP,
		WeaponBonus:  attacker.WeaponBonus,
		DefenseDie:   defender.DefenseDie,
		DefenderPP:   defender.PP,
		DefenderEdge: defender.Edge,
		ArmorBonus:   defender.ArmorBonus,
	})
	if err != nil {
		return nil, InternalError(fmt.Errorf("resolve attack: %w", err))
	}

	newDP := defender.DP
	if res.TotalDamage > 0 {
		newDP, err = d.applyDamage(ctx, target, res.TotalDamage)
		if err != nil {
			return nil, err
		}
	}

	rolls := make([]wire.IndividualRoll, len(res.Rolls))
	hits := 0
	for i, r := range res.Rolls {
		rolls[i] = wire.IndividualRoll{A: r.Attack, D: r.Defense, Margin: r.Margin, Damage: r.Damage}
		if r.Damage > 0 {
			hits++
		}
	}

	d.appendTurn(ctx, req, "attack", attacker, map[string]any{
		"defender":      defender.Name,
		"defense_total": res.DefenseTotal,
		"rolls":         res.Rolls,
		"total_damage":  res.TotalDamage,
		"outcome":       string(res.Outcome),
	}, false)

	return &Outcome{
		Broadcast: wire.CombatResult{
			Type:            wire.TypeCombatResult,
			Attacker:        attacker.Name,
			Defender:        defender.Name,
			IndividualRolls: rolls,
			TotalDamage:     res.TotalDamage,
			Outcome:         string(res.Outcome),
			DefenderNewDP:   newDP,
			Narrative:       attackNarrative(attacker.Name, defender.Name, hits, len(rolls), res.TotalDamage),
		},
		FrameType: wire.TypeCombatResult,
		Kind:      store.MessageCombat,
		Content:   req.Text,
		Extra: map[string]any{
			"defender":     defender.Name,
			"total_damage": res.TotalDamage,
			"outcome":      string(res.Outcome),
		},
	}, nil
}

// attackNarrative renders the one-line summary clients show in the log.
func attackNarrative(attacker, defender string, hits, total, damage int) string {
	if hits == 0 {
		return fmt.Sprintf("%s misses %s.", attacker, defender)
	}
	return fmt.Sprintf("%s hits %s %d of %d times for %d damage.", attacker, defender, hits, total, damage)
}
