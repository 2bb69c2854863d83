package party

import (
	"testing"
	"time"

	"github.com/storyweave/partyhub/internal/store"
)

func newTestLive() *Live {
	return NewLive(&store.Party{ID: "p1", CampaignID: "camp1", Type: store.PartyStandard, StoryWeaverUserID: "sw1"})
}

func TestInstallRefcounting(t *testing.T) {
	l := newTestLive()
	l.Lock()
	defer l.Unlock()

	snapA := &Snapshot{ID: "c1", Kind: KindCharacter, Name: "Alice", DP: 20}
	first := l.Install(snapA)
	if first != snapA {
		t.Fatal("first Install did not return the installed snapshot")
	}

	// A second socket for the same character observes the cached snapshot,
	// including mutations made since the first install.
	first.DP = 15
	second := l.Install(&Snapshot{ID: "c1", Kind: KindCharacter, Name: "Alice", DP: 20})
	if second != first {
		t.Fatal("second Install returned a fresh snapshot, want the cached one")
	}
	if second.DP != 15 {
		t.Errorf("second holder sees DP %d, want 15", second.DP)
	}

	connA := NewConn("u1", "c1", RolePlayer, nil)
	connB := NewConn("u1", "c1", RolePlayer, nil)
	l.AddConn(connA)
	l.AddConn(connB)

	if empty := l.RemoveConn(connA); empty {
		t.Error("party reported empty with one socket remaining")
	}
	if l.Snapshot("c1") == nil {
		t.Error("snapshot evicted while another socket still holds it")
	}
	if empty := l.RemoveConn(connB); !empty {
		t.Error("party not reported empty after last socket left")
	}
	if l.Snapshot("c1") != nil {
		t.Error("snapshot not evicted after last holder disconnected")
	}
}

func TestSnapshotByName(t *testing.T) {
	l := newTestLive()
	l.Lock()
	defer l.Unlock()

	l.Install(&Snapshot{ID: "c1", Kind: KindCharacter, Name: "Mara Vane"})
	if got := l.SnapshotByName("mara vane"); got == nil || got.ID != "c1" {
		t.Errorf("SnapshotByName(%q) = %v, want c1", "mara vane", got)
	}
	if got := l.SnapshotByName(NormalizeName("Mara_Vane")); got == nil {
		t.Error("underscore form did not match cached name")
	}
	if got := l.SnapshotByName("nobody"); got != nil {
		t.Errorf("SnapshotByName(nobody) = %v, want nil", got)
	}
}

func TestAllowMacroThrottle(t *testing.T) {
	l := newTestLive()
	l.Lock()
	defer l.Unlock()

	base := time.Now()
	window := 700 * time.Millisecond

	if !l.AllowMacro("u1", base, window) {
		t.Fatal("first macro rejected")
	}
	if l.AllowMacro("u1", base.Add(300*time.Millisecond), window) {
		t.Error("macro inside the window accepted")
	}
	// A rejected macro must not push the window forward.
	if !l.AllowMacro("u1", base.Add(750*time.Millisecond), window) {
		t.Error("macro after the window rejected")
	}
	// Other actors are throttled independently.
	if !l.AllowMacro("u2", base.Add(1*time.Millisecond), window) {
		t.Error("unrelated actor throttled")
	}
}

func TestRevokeMacroReleasesThrottleSlot(t *testing.T) {
	l := newTestLive()
	l.Lock()
	defer l.Unlock()

	base := time.Now()
	window := 700 * time.Millisecond

	if !l.AllowMacro("u1", base, window) {
		t.Fatal("first macro rejected")
	}
	l.RevokeMacro("u1", base)
	if !l.AllowMacro("u1", base.Add(1*time.Millisecond), window) {
		t.Error("macro throttled after its predecessor was revoked")
	}
	// A revoke carrying a stale timestamp leaves the newer mark alone.
	l.RevokeMacro("u1", base)
	if l.AllowMacro("u1", base.Add(2*time.Millisecond), window) {
		t.Error("stale revoke cleared a newer mark")
	}
}

func TestSnapshotStatAndAbilityLookup(t *testing.T) {
	s := &Snapshot{
		PP: 3, IP: 2, SP: 1,
		Abilities: []store.Ability{
			{ID: "a1", MacroCommand: "/fireball", UsesRemaining: 2},
		},
	}
	if got := s.Stat("pp"); got != 3 {
		t.Errorf("Stat(pp) = %d, want 3", got)
	}
	if got := s.Stat("SP"); got != 1 {
		t.Errorf("Stat(SP) = %d, want 1", got)
	}
	ab := s.AbilityByCommand("/FireBall")
	if ab == nil {
		t.Fatal("AbilityByCommand case-insensitive lookup failed")
	}
	ab.UsesRemaining--
	if s.Abilities[0].UsesRemaining != 1 {
		t.Error("ability mutation did not stick to the snapshot")
	}
	if s.AbilityByCommand("/nothing") != nil {
		t.Error("AbilityByCommand returned a match for an unknown command")
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Alice", "alice"},
		{"Mara_Vane", "mara vane"},
		{"GOBLIN_king", "goblin king"},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoleDisplay(t *testing.T) {
	if got := RolePlayer.Display(); got != "player" {
		t.Errorf("RolePlayer.Display() = %q", got)
	}
	if got := RoleStoryWeaver.Display(); got != "SW" {
		t.Errorf("RoleStoryWeaver.Display() = %q", got)
	}
}
