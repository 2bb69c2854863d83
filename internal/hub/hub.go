// Package hub owns the party registry and the per-socket session flow:
// connect and role assignment, inbound frame handling, macro dispatch,
// persistence per the verbosity policy, and ordered fan-out.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/storyweave/partyhub/internal/config"
	"github.com/storyweave/partyhub/internal/macro"
	"github.com/storyweave/partyhub/internal/observe"
	"github.com/storyweave/partyhub/internal/party"
	"github.com/storyweave/partyhub/internal/store"
	"github.com/storyweave/partyhub/internal/wire"
)

// ErrPartyNotFound reports a connect against an unknown party id.
var ErrPartyNotFound = errors.New("hub: party not found")

// Hub is the party registry. It serializes registry mutations under its own
// mutex; everything inside a party happens under that party's lock.
type Hub struct {
	mu      sync.Mutex
	parties map[string]*party.Live

	store      store.Store
	dispatcher *macro.Dispatcher
	metrics    *observe.Metrics
	verbosity  config.Verbosity
}

// New creates a hub.
func New(st store.Store, d *macro.Dispatcher, m *observe.Metrics, verbosity config.Verbosity) *Hub {
	return &Hub{
		parties:    make(map[string]*party.Live),
		store:      st,
		dispatcher: d,
		metrics:    m,
		verbosity:  verbosity,
	}
}

// Connect joins a socket to a party: load the party (creating its live
// state on first join), fix the role, bind the character or NPC snapshot
// when one is requested, and announce the join.
func (h *Hub) Connect(ctx context.Context, partyID, characterID, userID string, sender party.Sender) (*party.Live, *party.Conn, error) {
	p, err := h.store.LoadParty(ctx, partyID)
	if err != nil {
		return nil, nil, fmt.Errorf("hub: load party: %w", err)
	}
	if p == nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrPartyNotFound, partyID)
	}

	role := party.RolePlayer
	if userID == p.StoryWeaverUserID {
		role = party.RoleStoryWeaver
	}

	snap, err := h.loadSnapshot(ctx, p, characterID, userID, role)
	if err != nil {
		return nil, nil, err
	}
	if snap == nil {
		characterID = ""
	}

	h.mu.Lock()
	live, ok := h.parties[partyID]
	if !ok {
		live = party.NewLive(p)
		h.parties[partyID] = live
		if h.metrics != nil {
			h.metrics.ActiveParties.Add(ctx, 1)
		}
	}
	h.mu.Unlock()

	conn := party.NewConn(userID, characterID, role, sender)

	live.Lock()
	live.AddConn(conn)
	if snap != nil {
		snap = live.Install(snap)
	}
	notice := wire.NewSystem(partyID, fmt.Sprintf("%s (%s) joined the party", displayName(snap, role), role.Display()))
	h.broadcastLocked(ctx, live, notice, nil)
	live.Unlock()

	if h.metrics != nil {
		h.metrics.Connects.Add(ctx, 1)
		h.metrics.ActiveSockets.Add(ctx, 1)
	}
	slog.Info("socket connected", "party_id", partyID, "user_id", userID, "character_id", characterID, "role", role)
	return live, conn, nil
}

// loadSnapshot binds the requested combatant. A bad binding demotes the
// socket to an unbound observer instead of failing the connect.
func (h *Hub) loadSnapshot(ctx context.Context, p *store.Party, characterID, userID string, role party.Role) (*party.Snapshot, error) {
	if characterID == "" {
		return nil, nil
	}

	c, err := h.store.LoadCharacter(ctx, characterID)
	if err != nil {
		return nil, fmt.Errorf("hub: load character: %w", err)
	}
	if c != nil {
		if c.PartyID != p.ID || (c.OwnerUserID != userID && role != party.RoleStoryWeaver) {
			slog.Warn("character binding rejected", "party_id", p.ID, "character_id", characterID, "user_id", userID)
			return nil, nil
		}
		abilities, err := h.store.ListAbilities(ctx, characterID)
		if err != nil {
			return nil, fmt.Errorf("hub: list abilities: %w", err)
		}
		return party.SnapshotCharacter(c, abilities), nil
	}

	// Only the Story Weaver drives NPCs directly.
	if role != party.RoleStoryWeaver {
		slog.Warn("unknown character binding", "party_id", p.ID, "character_id", characterID, "user_id", userID)
		return nil, nil
	}
	n, err := h.store.LoadNPC(ctx, characterID)
	if err != nil {
		return nil, fmt.Errorf("hub: load npc: %w", err)
	}
	if n == nil || n.PartyID != p.ID {
		slog.Warn("npc binding rejected", "party_id", p.ID, "npc_id", characterID)
		return nil, nil
	}
	return party.SnapshotNPC(n), nil
}

// Disconnect removes a socket, announces the leave, and drops the party's
// live state when the last socket is gone.
func (h *Hub) Disconnect(ctx context.Context, live *party.Live, conn *party.Conn) {
	live.Lock()
	name := displayName(snapshotFor(live, conn), conn.Role)
	empty := live.RemoveConn(conn)
	if !empty {
		notice := wire.NewSystem(live.ID, fmt.Sprintf("%s (%s) left the party", name, conn.Role.Display()))
		h.broadcastLocked(ctx, live, notice, nil)
	}
	live.Unlock()

	if empty {
		h.releaseParty(ctx, live)
	}
	if h.metrics != nil {
		h.metrics.Disconnects.Add(ctx, 1)
		h.metrics.ActiveSockets.Add(ctx, -1)
	}
	slog.Info("socket disconnected", "party_id", live.ID, "user_id", conn.UserID)
}

// releaseParty drops a party's registry entry once its last socket is gone.
// The caller's emptiness observation is stale by the time the registry lock
// is held: a socket may have joined through the still-registered entry in
// between. Re-checking under both locks keeps that joiner attached.
func (h *Hub) releaseParty(ctx context.Context, live *party.Live) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.parties[live.ID] != live {
		return
	}
	live.Lock()
	empty := live.Empty()
	live.Unlock()
	if !empty {
		return
	}
	delete(h.parties, live.ID)
	if h.metrics != nil {
		h.metrics.ActiveParties.Add(ctx, -1)
	}
}

// HandleFrame processes one inbound frame: plain chat is persisted and
// fanned out, slash commands go through the macro dispatcher. All failures
// turn into a private system reply.
func (h *Hub) HandleFrame(ctx context.Context, live *party.Live, conn *party.Conn, data []byte) {
	var in wire.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		h.replyPrivate(ctx, live, conn, "Malformed frame: expected a JSON message object.")
		return
	}
	if in.Type != wire.TypeMessage {
		h.replyPrivate(ctx, live, conn, fmt.Sprintf("Unsupported frame type %q.", in.Type))
		return
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		h.replyPrivate(ctx, live, conn, "Empty message.")
		return
	}

	live.Lock()
	defer live.Unlock()

	actor := in.Actor
	if actor == "" {
		actor = displayName(snapshotFor(live, conn), conn.Role)
	}

	if strings.HasPrefix(text, "/") {
		h.dispatchLocked(ctx, live, conn, actor, text)
		return
	}
	h.chatLocked(ctx, live, conn, actor, text, in.Mode)
}

// chatLocked persists and broadcasts a plain chat line. Chat is always
// persisted regardless of the macro verbosity policy.
func (h *Hub) chatLocked(ctx context.Context, live *party.Live, conn *party.Conn, actor, text, mode string) {
	m := store.Mode(strings.ToUpper(mode))
	if m != store.ModeOOC {
		m = store.ModeIC
	}
	now := time.Now()

	msg := &store.Message{
		CampaignID: live.CampaignID,
		PartyID:    live.ID,
		SenderID:   conn.UserID,
		SenderName: actor,
		Type:       store.MessageChat,
		Mode:       m,
		Content:    text,
		CreatedAt:  now,
	}
	if err := h.store.AppendMessage(ctx, msg); err != nil {
		h.recordStoreError(ctx, "append_message")
		mErr := macro.StoreError(err)
		slog.Error("chat persist failed", "party_id", live.ID, "ref", mErr.CorrelationID, "err", err)
		h.sendLocked(ctx, live, conn, wire.NewSystem(live.ID, mErr.Reply()))
		return
	}

	h.broadcastLocked(ctx, live, wire.Chat{
		Type:      wire.TypeChat,
		Actor:     actor,
		Text:      text,
		Mode:      string(m),
		PartyID:   live.ID,
		Timestamp: now,
	}, nil)
}

// dispatchLocked runs a macro and applies its outcome: persist first per
// the verbosity policy, then broadcast, then any private reply.
func (h *Hub) dispatchLocked(ctx context.Context, live *party.Live, conn *party.Conn, actor, text string) {
	out, err := h.dispatcher.Dispatch(ctx, macro.Request{Live: live, Conn: conn, Actor: actor, Text: text})
	if err != nil {
		var mErr *macro.Error
		if !errors.As(err, &mErr) {
			mErr = macro.InternalError(err)
		}
		if mErr.CorrelationID != "" {
			slog.Error("macro failed", "party_id", live.ID, "command", text, "ref", mErr.CorrelationID, "err", err)
		}
		h.sendLocked(ctx, live, conn, wire.NewSystem(live.ID, mErr.Reply()))
		return
	}
	if out == nil {
		return
	}

	if h.shouldPersist(out) {
		msg := &store.Message{
			CampaignID: live.CampaignID,
			PartyID:    live.ID,
			SenderID:   conn.UserID,
			SenderName: actor,
			Type:       out.Kind,
			Content:    out.Content,
			ExtraData:  out.Extra,
			CreatedAt:  time.Now(),
		}
		if err := h.store.AppendMessage(ctx, msg); err != nil {
			h.recordStoreError(ctx, "append_message")
			mErr := macro.StoreError(err)
			slog.Error("macro persist failed", "party_id", live.ID, "ref", mErr.CorrelationID, "err", err)
			h.sendLocked(ctx, live, conn, wire.NewSystem(live.ID, mErr.Reply()))
			return
		}
	}

	if out.Broadcast != nil {
		h.broadcastLocked(ctx, live, out.Broadcast, nil)
	}
	if out.Private != "" {
		h.sendLocked(ctx, live, conn, wire.NewSystem(live.ID, out.Private))
	}
}

// shouldPersist applies the macro log verbosity policy to an outcome.
func (h *Hub) shouldPersist(out *macro.Outcome) bool {
	if out.Content == "" {
		return false
	}
	switch h.verbosity {
	case config.VerbosityOff:
		return false
	case config.VerbosityMinimal:
		return out.FrameType == wire.TypeDiceRoll || out.FrameType == wire.TypeInitiative
	default:
		return true
	}
}

// broadcastLocked fans a frame out to every socket on the party, except
// skip. A failed send is logged and skipped; the socket's read loop will
// notice the broken connection and disconnect it.
func (h *Hub) broadcastLocked(ctx context.Context, live *party.Live, frame any, skip *party.Conn) {
	for _, c := range live.Conns() {
		if c == skip {
			continue
		}
		if err := c.Send(ctx, frame); err != nil {
			slog.Warn("broadcast send failed", "party_id", live.ID, "user_id", c.UserID, "err", err)
			continue
		}
		if h.metrics != nil {
			h.metrics.BroadcastFrames.Add(ctx, 1)
		}
	}
}

// sendLocked unicasts a frame to one socket.
func (h *Hub) sendLocked(ctx context.Context, live *party.Live, conn *party.Conn, frame any) {
	if err := conn.Send(ctx, frame); err != nil {
		slog.Warn("unicast send failed", "party_id", live.ID, "user_id", conn.UserID, "err", err)
	}
}

// replyPrivate sends a system notice to one socket without holding the
// party lock.
func (h *Hub) replyPrivate(ctx context.Context, live *party.Live, conn *party.Conn, text string) {
	if err := conn.Send(ctx, wire.NewSystem(live.ID, text)); err != nil {
		slog.Warn("reply send failed", "party_id", live.ID, "user_id", conn.UserID, "err", err)
	}
}

func (h *Hub) recordStoreError(ctx context.Context, op string) {
	if h.metrics != nil {
		h.metrics.RecordStoreError(ctx, op)
	}
}

// snapshotFor returns the sender's bound snapshot, or nil. Caller holds the
// party lock.
func snapshotFor(live *party.Live, conn *party.Conn) *party.Snapshot {
	if conn.CharacterID == "" {
		return nil
	}
	return live.Snapshot(conn.CharacterID)
}

// displayName picks the name join/leave notices and chat fall back to.
func displayName(snap *party.Snapshot, role party.Role) string {
	switch {
	case snap != nil:
		return snap.Name
	case role == party.RoleStoryWeaver:
		return "The Story Weaver"
	default:
		return "An observer"
	}
}
