// Package macro parses and executes slash commands: dice rolls, stat
// checks, attacks, ability casts, initiative management, and the roster
// listing. Handlers run inside the party actor critical section and return
// a structured outcome the hub persists and fans out.
package macro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/storyweave/partyhub/internal/config"
	"github.com/storyweave/partyhub/internal/dice"
	"github.com/storyweave/partyhub/internal/mention"
	"github.com/storyweave/partyhub/internal/observe"
	"github.com/storyweave/partyhub/internal/party"
	"github.com/storyweave/partyhub/internal/store"
)

// Dispatcher routes slash commands to handlers and enforces the throttle
// and permission policies.
type Dispatcher struct {
	store        store.Store
	roller       dice.Roller
	resolver     *mention.Resolver
	metrics      *observe.Metrics
	throttle     time.Duration
	visibility   config.VisibilityPolicy
	usesPerLevel int
}

// NewDispatcher wires a dispatcher from its collaborators and the session
// configuration.
func NewDispatcher(st store.Store, roller dice.Roller, resolver *mention.Resolver, metrics *observe.Metrics, session config.SessionConfig) *Dispatcher {
	return &Dispatcher{
		store:        st,
		roller:       roller,
		resolver:     resolver,
		metrics:      metrics,
		throttle:     session.ThrottleWindow(),
		visibility:   session.VisibilityPolicy,
		usesPerLevel: session.AbilityUsesPerLevel,
	}
}

// Request is one macro invocation, bound to the sender's live session.
// The caller holds the party lock for the duration of Dispatch.
type Request struct {
	Live  *party.Live
	Conn  *party.Conn
	Actor string
	Text  string
}

// Outcome is a successfully executed macro: what to broadcast, how to
// persist it, and an optional private reply (e.g. /who output).
type Outcome struct {
	// Broadcast is the frame fanned out to every socket on the party.
	// Nil for private-only commands.
	Broadcast any

	// FrameType is the wire type of Broadcast, consulted by the verbosity
	// policy.
	FrameType string

	// Kind is the message_type of the persisted row.
	Kind store.MessageType

	// Content is the log line for the persisted row.
	Content string

	// Extra is the structured extra_data for the persisted row.
	Extra map[string]any

	// Private is unicast to the sender only.
	Private string
}

// Dispatch parses and executes one slash command. A nil, nil return means
// the command was silently dropped (visibility policy "ignore"). The
// returned error is always a [*Error]; the caller converts it into a
// private system reply.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (out *Outcome, err error) {
	start := time.Now()
	fields := strings.Fields(req.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return nil, Inputf("Not a command: %q", req.Text)
	}
	cmd := strings.ToLower(fields[0])

	defer func() {
		if r := recover(); r != nil {
			slog.Error("macro handler panic",
				"command", cmd,
				"party_id", req.Live.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if d.metrics != nil {
				d.metrics.InternalErrors.Add(ctx, 1)
			}
			out, err = nil, InternalError(fmt.Errorf("panic: %v", r))
		}
		// A failed macro gives its throttle slot back; only accepted
		// commands push the window forward.
		if err != nil {
			req.Live.RevokeMacro(req.Conn.UserID, start)
		}
		d.record(ctx, cmd, start, err)
	}()

	if !req.Live.AllowMacro(req.Conn.UserID, start, d.throttle) {
		if d.metrics != nil {
			d.metrics.MacrosThrottled.Add(ctx, 1)
		}
		return nil, Throttlef("You're sending commands too quickly. Wait a moment and try again.")
	}

	args := fields[1:]
	switch cmd {
	case "/roll":
		return d.handleRoll(req, args)
	case "/pp", "/ip", "/sp":
		return d.handleStatCheck(req, strings.ToUpper(cmd[1:]))
	case "/defend":
		return d.handleDefend(req)
	case "/attack":
		return d.handleAttack(ctx, req)
	case "/who":
		return d.handleWho(ctx, req)
	case "/initiative":
		return d.handleInitiative(ctx, req, args)
	default:
		return d.handleAbility(ctx, req, cmd)
	}
}

// record emits the per-command dispatch metric.
func (d *Dispatcher) record(ctx context.Context, cmd string, start time.Time, err error) {
	if d.metrics == nil {
		return
	}
	status := "ok"
	var mErr *Error
	if errors.As(err, &mErr) {
		status = mErr.Kind.String()
	} else if err != nil {
		status = "internal"
	}
	d.metrics.RecordMacro(ctx, cmd, status, time.Since(start).Seconds())
}

// requireSW enforces an SW-only command per the visibility policy. A nil,
// true return means the command must be silently ignored.
func (d *Dispatcher) requireSW(req Request, cmd string) (ignore bool, err error) {
	if req.Conn.IsSW() {
		return false, nil
	}
	if d.visibility == config.VisibilityIgnore {
		return true, nil
	}
	return false, Permissionf("Only the Story Weaver can use %s.", cmd)
}

// senderSnapshot returns the sender's cached snapshot, or nil when the
// socket is an unbound observer.
func senderSnapshot(req Request) *party.Snapshot {
	if req.Conn.CharacterID == "" {
		return nil
	}
	return req.Live.Snapshot(req.Conn.CharacterID)
}

// resolveSingleTarget resolves exactly one @mention from the command text,
// translating resolver errors into the user-facing taxonomy.
func (d *Dispatcher) resolveSingleTarget(ctx context.Context, req Request, cmd string) (mention.Target, error) {
	target, err := d.resolver.ResolveSingle(ctx, req.Text, req.Live.ID, req.Conn.IsSW(), req.Live, "")
	if err == nil {
		return target, nil
	}

	var (
		nf *mention.NotFoundError
		am *mention.AmbiguousError
		tm *mention.TooManyError
	)
	switch {
	case errors.Is(err, mention.ErrNoMention):
		return mention.Target{}, Usagef("Usage: %s @target", cmd)
	case errors.As(err, &nf):
		msg := fmt.Sprintf("Target not found: @%s. Use /who to see available targets.", nf.Token)
		if len(nf.Suggestions) > 0 {
			msg += " Did you mean: " + strings.Join(nf.Suggestions, ", ") + "?"
		}
		return mention.Target{}, Mentionf("%s", msg)
	case errors.As(err, &am):
		return mention.Target{}, Mentionf("Ambiguous target @%s: matches %s.", am.Token, strings.Join(am.Candidates, ", "))
	case errors.As(err, &tm):
		return mention.Target{}, Usagef("%s takes exactly one @target.", cmd)
	default:
		return mention.Target{}, StoreError(err)
	}
}

// applyDamage writes the target's reduced DP through to the store and, on
// success, mutates the cached snapshot. The store write happens first so a
// failure leaves the in-memory state untouched.
func (d *Dispatcher) applyDamage(ctx context.Context, target mention.Target, damage int) (newDP int, err error) {
	snap := target.Snap
	newDP = snap.DP - damage
	status := store.StatusForDP(newDP)
	inCalling := snap.InCalling || store.InCallingForDP(newDP)

	if target.Kind == party.KindNPC {
		err = d.store.UpdateNPCDP(ctx, snap.ID, newDP, status)
	} else {
		err = d.store.UpdateCharacterDP(ctx, snap.ID, newDP, status, inCalling)
	}
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordStoreError(ctx, "update_dp")
		}
		return 0, StoreError(err)
	}

	snap.DP = newDP
	snap.Status = status
	snap.InCalling = inCalling
	return newDP, nil
}

// applyHeal raises the target's DP, capped at MaxDP, with the same
// write-through ordering as applyDamage. Returns the new DP and the amount
// actually healed.
func (d *Dispatcher) applyHeal(ctx context.Context, target mention.Target, amount int) (newDP, healed int, err error) {
	snap := target.Snap
	newDP = min(snap.MaxDP, snap.DP+amount)
	healed = newDP - snap.DP
	status := store.StatusForDP(newDP)

	if target.Kind == party.KindNPC {
		err = d.store.UpdateNPCDP(ctx, snap.ID, newDP, status)
	} else {
		err = d.store.UpdateCharacterDP(ctx, snap.ID, newDP, status, snap.InCalling)
	}
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordStoreError(ctx, "update_dp")
		}
		return 0, 0, StoreError(err)
	}

	snap.DP = newDP
	snap.Status = status
	return newDP, healed, nil
}

// appendTurn writes a combat-log row. Failures are logged and counted but
// do not fail the command: the authoritative state change already
// committed.
func (d *Dispatcher) appendTurn(ctx context.Context, req Request, actionType string, combatant *party.Snapshot, result map[string]any, bapApplied bool) {
	turn := &store.CombatTurn{
		PartyID:       req.Live.ID,
		EncounterID:   req.Live.Encounter.ID(),
		CombatantID:   combatant.ID,
		CombatantName: combatant.Name,
		TurnNumber:    req.Live.NextTurn(),
		ActionType:    actionType,
		Result:        result,
		BAPApplied:    bapApplied,
	}
	if err := d.store.AppendCombatTurn(ctx, turn); err != nil {
		slog.Warn("combat turn append failed", "party_id", req.Live.ID, "action", actionType, "err", err)
		if d.metrics != nil {
			d.metrics.RecordStoreError(ctx, "append_combat_turn")
		}
	}
}
