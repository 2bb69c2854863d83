package macro

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/storyweave/partyhub/internal/dice"
	"github.com/storyweave/partyhub/internal/store"
	"github.com/storyweave/partyhub/internal/wire"
)

// Placeholder values for stat checks by unbound observers.
const (
	placeholderStat = 0
	placeholderEdge = 1
)

// handleRoll evaluates `/roll <notation>` and broadcasts a dice_roll frame.
func (d *Dispatcher) handleRoll(req Request, args []string) (*Outcome, error) {
	if len(args) == 0 {
		return nil, Usagef("Usage: /roll <notation> (e.g. /roll 2d6+3)")
	}
	notation := strings.Join(args, "")
	res, err := dice.Evaluate(d.roller, notation)
	if err != nil {
		switch {
		case errors.Is(err, dice.ErrDieSize):
			return nil, Usagef("Unsupported die size in %q. Valid dice: d4, d6, d8, d10, d12.", notation)
		case errors.Is(err, dice.ErrDieCount):
			return nil, Usagef("Too many dice in %q. Roll at most %d at once.", notation, dice.MaxDice)
		default:
			return nil, Usagef("Invalid dice notation %q. Try NdS+K, e.g. 2d6+3.", notation)
		}
	}

	return &Outcome{
		Broadcast: wire.DiceRoll{
			Type:      wire.TypeDiceRoll,
			Actor:     req.Actor,
			Dice:      res.Notation,
			Breakdown: res.Rolls,
			Modifier:  res.Modifier,
			Result:    res.Total,
			Text:      res.Breakdown(),
		},
		FrameType: wire.TypeDiceRoll,
		Kind:      store.MessageDiceRoll,
		Content:   req.Text,
		Extra:     map[string]any{"rolls": res.Rolls, "modifier": res.Modifier, "total": res.Total},
	}, nil
}

// handleStatCheck rolls 1d6 + stat + edge for /pp, /ip, /sp. Unbound
// observers roll with placeholder values.
func (d *Dispatcher) handleStatCheck(req Request, stat string) (*Outcome, error) {
	statVal, edge := placeholderStat, placeholderEdge
	if snap := senderSnapshot(req); snap != nil {
		statVal = snap.Stat(stat)
		edge = snap.Edge
	}

	roll := d.roller.Roll(6)
	modifier := statVal + edge
	total := roll + modifier

	return &Outcome{
		Broadcast: wire.StatRoll{
			Type:      wire.TypeStatRoll,
			Actor:     req.Actor,
			Stat:      stat,
			Dice:      fmt.Sprintf("1d6+%d", modifier),
			Breakdown: []int{roll},
			Modifier:  modifier,
			Result:    total,
			Text:      fmt.Sprintf("%s check: (%d) + %d = %d", stat, roll, modifier, total),
		},
		FrameType: wire.TypeStatRoll,
		Kind:      store.MessageDiceRoll,
		Content:   req.Text,
		Extra:     map[string]any{"stat": stat, "roll": roll, "modifier": modifier, "total": total},
	}, nil
}

// handleDefend makes an open defense roll: defense die + PP + edge.
func (d *Dispatcher) handleDefend(req Request) (*Outcome, error) {
	snap := senderSnapshot(req)
	if snap == nil {
		return nil, Statef("You need a bound character to defend. Reconnect with a character_id.")
	}

	die, err := dice.Parse(snap.DefenseDie)
	if err != nil {
		return nil, InternalError(fmt.Errorf("defense die %q: %w", snap.DefenseDie, err))
	}
	if die.Constant {
		return nil, InternalError(fmt.Errorf("defense die %q has no dice", snap.DefenseDie))
	}
	roll := d.roller.Roll(die.Sides)
	modifier := snap.PP + snap.Edge
	total := roll + modifier

	return &Outcome{
		Broadcast: wire.DiceRoll{
			Type:      wire.TypeDiceRoll,
			Actor:     req.Actor,
			Dice:      fmt.Sprintf("%s+%d", snap.DefenseDie, modifier),
			Breakdown: []int{roll},
			Modifier:  modifier,
			Result:    total,
			Text:      fmt.Sprintf("%s raises a defense: (%d) + %d = %d", snap.Name, roll, modifier, total),
		},
		FrameType: wire.TypeDiceRoll,
		Kind:      store.MessageCombat,
		Content:   req.Text,
		Extra:     map[string]any{"defense_die": snap.DefenseDie, "roll": roll, "modifier": modifier, "total": total},
	}, nil
}

// handleWho lists online members, offline party characters, and the NPCs
// visible to the sender. Private reply only; nothing is broadcast or
// persisted.
func (d *Dispatcher) handleWho(ctx context.Context, req Request) (*Outcome, error) {
	chars, err := d.store.ListPartyCharacters(ctx, req.Live.ID)
	if err != nil {
		return nil, StoreError(err)
	}
	npcs, err := d.store.ListPartyNPCs(ctx, req.Live.ID, req.Conn.IsSW())
	if err != nil {
		return nil, StoreError(err)
	}

	online := req.Live.CachedIDs()
	var onlineNames, offlineNames, npcNames []string
	for _, c := range chars {
		if online[c.ID] {
			onlineNames = append(onlineNames, c.Name)
		} else {
			offlineNames = append(offlineNames, c.Name)
		}
	}
	for _, n := range npcs {
		name := n.Name
		if !n.VisibleToPlayers {
			name += " (hidden)"
		}
		npcNames = append(npcNames, name)
	}

	var b strings.Builder
	b.WriteString("Online: " + joinOrDash(onlineNames))
	b.WriteString("\nOffline: " + joinOrDash(offlineNames))
	b.WriteString("\nNPCs: " + joinOrDash(npcNames))

	return &Outcome{Private: b.String()}, nil
}

func joinOrDash(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
