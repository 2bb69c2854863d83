package rules

import (
	"slices"
	"testing"
)

func TestDPForLevel(t *testing.T) {
	want := []int{10, 15, 20, 25, 30, 35, 40, 45, 50, 55}
	for level := MinLevel; level <= MaxLevel; level++ {
		if got := DPForLevel(level); got != want[level-1] {
			t.Errorf("DPForLevel(%d) = %d, want %d", level, got, want[level-1])
		}
	}
}

func TestEdgeAndBAPProgression(t *testing.T) {
	wantEdge := []int{0, 1, 1, 2, 2, 3, 3, 4, 4, 5}
	wantBAP := []int{1, 1, 2, 2, 3, 3, 4, 4, 5, 5}
	for level := MinLevel; level <= MaxLevel; level++ {
		if got := EdgeForLevel(level); got != wantEdge[level-1] {
			t.Errorf("EdgeForLevel(%d) = %d, want %d", level, got, wantEdge[level-1])
		}
		if got := BAPForLevel(level); got != wantBAP[level-1] {
			t.Errorf("BAPForLevel(%d) = %d, want %d", level, got, wantBAP[level-1])
		}
	}
}

func TestAttackStyles(t *testing.T) {
	tests := []struct {
		level int
		want  []string
	}{
		{1, []string{"1d4"}},
		{2, []string{"1d4"}},
		{3, []string{"2d4", "1d6"}},
		{5, []string{"3d4", "2d6", "1d8"}},
		{8, []string{"4d4", "3d6", "2d8", "1d10"}},
		{10, []string{"5d4", "4d6", "3d8", "2d10", "1d12"}},
	}
	for _, tt := range tests {
		if got := AttackStyles(tt.level); !slices.Equal(got, tt.want) {
			t.Errorf("AttackStyles(%d) = %v, want %v", tt.level, got, tt.want)
		}
	}
	if got := AttackStyles(0); got != nil {
		t.Errorf("AttackStyles(0) = %v, want nil", got)
	}
}

func TestDefenseDie(t *testing.T) {
	tests := []struct {
		level int
		want  string
	}{
		{1, "1d4"}, {2, "1d4"}, {3, "1d6"}, {6, "1d8"}, {7, "1d10"}, {10, "1d12"},
	}
	for _, tt := range tests {
		if got := DefenseDie(tt.level); got != tt.want {
			t.Errorf("DefenseDie(%d) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestValidateStats(t *testing.T) {
	tests := []struct {
		pp, ip, sp int
		wantErr    bool
	}{
		{1, 2, 3, false},
		{2, 2, 2, false},
		{3, 2, 1, false},
		{3, 3, 0, true},  // stat below minimum
		{4, 1, 1, true},  // stat above maximum
		{1, 1, 1, true},  // sum too low
		{3, 3, 3, true},  // sum too high
	}
	for _, tt := range tests {
		err := ValidateStats(tt.pp, tt.ip, tt.sp)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateStats(%d,%d,%d) err = %v, wantErr %v", tt.pp, tt.ip, tt.sp, err, tt.wantErr)
		}
	}
}

func TestValidateAttackStyle(t *testing.T) {
	if err := ValidateAttackStyle(5, "2d6"); err != nil {
		t.Errorf("ValidateAttackStyle(5, 2d6) = %v, want nil", err)
	}
	if err := ValidateAttackStyle(1, "2d6"); err == nil {
		t.Error("ValidateAttackStyle(1, 2d6) = nil, want error")
	}
	if err := ValidateAttackStyle(42, "1d4"); err == nil {
		t.Error("ValidateAttackStyle(42, 1d4) = nil, want error")
	}
}

func TestAbilityBudget(t *testing.T) {
	if got := AbilityBudget(4, 3); got != 12 {
		t.Errorf("AbilityBudget(4, 3) = %d, want 12", got)
	}
	if got := AbilityBudget(4, 0); got != 12 {
		t.Errorf("AbilityBudget(4, 0) = %d, want 12 (default multiplier)", got)
	}
}
