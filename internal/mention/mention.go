// Package mention extracts @token references from macro text and resolves
// them to party combatants: live cache first, then stored characters, then
// NPCs filtered by viewer visibility. Unresolved tokens carry fuzzy
// "did you mean" suggestions.
package mention

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/storyweave/partyhub/internal/party"
	"github.com/storyweave/partyhub/internal/store"
)

var tokenRe = regexp.MustCompile(`@(\w+)`)

// maxSuggestions caps the "did you mean" list on an unresolved token.
const maxSuggestions = 3

// ErrNoMention reports that resolve-single found no @token in the text.
var ErrNoMention = errors.New("mention: no target mentioned")

// NotFoundError reports a token that matched nothing the viewer can see.
type NotFoundError struct {
	Token       string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("mention: @%s not found", e.Token)
}

// AmbiguousError reports a token matching more than one combatant.
type AmbiguousError struct {
	Token      string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("mention: @%s is ambiguous (%s)", e.Token, strings.Join(e.Candidates, ", "))
}

// TooManyError reports more than one mention where exactly one is expected.
type TooManyError struct {
	Count int
}

func (e *TooManyError) Error() string {
	return fmt.Sprintf("mention: expected one target, got %d", e.Count)
}

// KindMismatchError reports a resolved target of the wrong kind.
type KindMismatchError struct {
	Token string
	Want  party.Kind
	Got   party.Kind
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("mention: @%s is a %s, expected a %s", e.Token, e.Got, e.Want)
}

// Target is one resolved mention. Live marks a target backed by the party's
// shared cache entry; mutations through Snap are then visible to every
// handler in the session.
type Target struct {
	Kind party.Kind
	Snap *party.Snapshot
	Live bool
}

// Unresolved is a token that matched nothing, with fuzzy suggestions.
type Unresolved struct {
	Token       string
	Suggestions []string
}

// Ambiguous is a token with multiple candidates.
type Ambiguous struct {
	Token      string
	Candidates []string
}

// Resolution is the full outcome of resolving a text's mentions. The same
// token mentioned twice yields two entries; callers dedupe as needed.
type Resolution struct {
	Mentions   []Target
	Unresolved []Unresolved
	Ambiguous  []Ambiguous
}

// Cache is the live-cache view the resolver consults first.
// [party.Live] implements it; callers must hold the party lock across the
// resolve call.
type Cache interface {
	SnapshotByName(name string) *party.Snapshot
	CachedNames() []string
}

// Resolver resolves mention tokens against the live cache and the store.
type Resolver struct {
	store store.Store
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// Tokens extracts the raw @token words from text, in order of appearance.
func Tokens(text string) []string {
	var out []string
	for _, m := range tokenRe.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// Resolve finds every @token in text and resolves each with the priority
// chain: live cache exact match, then stored party characters, then stored
// NPCs (hidden NPCs only when senderIsSW). The returned error is non-nil
// only for store failures.
func (r *Resolver) Resolve(ctx context.Context, text, partyID string, senderIsSW bool, cache Cache) (Resolution, error) {
	tokens := Tokens(text)
	if len(tokens) == 0 {
		return Resolution{}, nil
	}

	chars, err := r.store.ListPartyCharacters(ctx, partyID)
	if err != nil {
		return Resolution{}, fmt.Errorf("mention: list characters: %w", err)
	}
	npcs, err := r.store.ListPartyNPCs(ctx, partyID, senderIsSW)
	if err != nil {
		return Resolution{}, fmt.Errorf("mention: list npcs: %w", err)
	}

	var res Resolution
	for _, token := range tokens {
		norm := party.NormalizeName(token)

		if cache != nil {
			if snap := cache.SnapshotByName(norm); snap != nil {
				res.Mentions = append(res.Mentions, Target{Kind: snap.Kind, Snap: snap, Live: true})
				continue
			}
		}

		var candidates []Target
		for i := range chars {
			if party.NormalizeName(chars[i].Name) == norm {
				candidates = append(candidates, Target{Kind: party.KindCharacter, Snap: party.SnapshotCharacter(&chars[i], nil)})
			}
		}
		for i := range npcs {
			if party.NormalizeName(npcs[i].Name) == norm {
				candidates = append(candidates, Target{Kind: party.KindNPC, Snap: party.SnapshotNPC(&npcs[i])})
			}
		}

		switch len(candidates) {
		case 1:
			res.Mentions = append(res.Mentions, candidates[0])
		case 0:
			res.Unresolved = append(res.Unresolved, Unresolved{
				Token:       token,
				Suggestions: suggest(norm, cache, chars, npcs),
			})
		default:
			names := make([]string, len(candidates))
			for i, c := range candidates {
				names[i] = c.Snap.Name
			}
			res.Ambiguous = append(res.Ambiguous, Ambiguous{Token: token, Candidates: names})
		}
	}
	return res, nil
}

// ResolveSingle resolves text expecting exactly one mention. A non-empty
// want restricts the target kind. Failures are reported through the typed
// errors above.
func (r *Resolver) ResolveSingle(ctx context.Context, text, partyID string, senderIsSW bool, cache Cache, want party.Kind) (Target, error) {
	res, err := r.Resolve(ctx, text, partyID, senderIsSW, cache)
	if err != nil {
		return Target{}, err
	}
	if len(res.Unresolved) > 0 {
		u := res.Unresolved[0]
		return Target{}, &NotFoundError{Token: u.Token, Suggestions: u.Suggestions}
	}
	if len(res.Ambiguous) > 0 {
		a := res.Ambiguous[0]
		return Target{}, &AmbiguousError{Token: a.Token, Candidates: a.Candidates}
	}
	switch len(res.Mentions) {
	case 0:
		return Target{}, ErrNoMention
	case 1:
	default:
		return Target{}, &TooManyError{Count: len(res.Mentions)}
	}

	target := res.Mentions[0]
	if want != "" && target.Kind != want {
		tokens := Tokens(text)
		return Target{}, &KindMismatchError{Token: tokens[0], Want: want, Got: target.Kind}
	}
	return target, nil
}

// suggest ranks known names by Levenshtein distance to the failed token and
// returns the closest few.
func suggest(norm string, cache Cache, chars []store.Character, npcs []store.NPC) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	if cache != nil {
		for _, n := range cache.CachedNames() {
			add(n)
		}
	}
	for _, c := range chars {
		add(c.Name)
	}
	for _, n := range npcs {
		add(n.Name)
	}

	type scored struct {
		name string
		dist int
	}
	var ranked []scored
	for _, name := range names {
		d := matchr.Levenshtein(norm, party.NormalizeName(name))
		if d <= len(norm)/2+1 {
			ranked = append(ranked, scored{name: name, dist: d})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].dist < ranked[j].dist })

	out := make([]string, 0, maxSuggestions)
	for _, s := range ranked[:min(len(ranked), maxSuggestions)] {
		out = append(out, s.name)
	}
	return slices.Clip(out)
}
