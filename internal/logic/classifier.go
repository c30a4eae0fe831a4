package logic

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openmohaa/session-tracker/internal/models"
)

// Transition is an ordered (old team, new team) pair.
type Transition struct {
	From int
	To   int
}

// TransitionTable maps team transitions to event kinds. Pairs that are not
// listed are neutral.
type TransitionTable map[Transition]models.ChangeKind

// DefaultTransitionTable: a survivor joining the undead or spectators died,
// an undead rejoining the survivors was redeemed.
func DefaultTransitionTable() TransitionTable {
	return TransitionTable{
		{From: 4, To: 3}:    models.ChangeDeath,
		{From: 4, To: 1002}: models.ChangeDeath,
		{From: 3, To: 4}:    models.ChangeRedemption,
	}
}

// Classify returns the kind of the old->new transition.
func (t TransitionTable) Classify(oldTeam, newTeam int) models.ChangeKind {
	if k, ok := t[Transition{From: oldTeam, To: newTeam}]; ok {
		return k
	}
	return models.ChangeNeutral
}

// ClassifyOptional reports false when either team is unknown or the team did
// not change; no event fires in that case.
func (t TransitionTable) ClassifyOptional(oldTeam, newTeam models.Optional[int]) (models.ChangeKind, bool) {
	o, ok1 := oldTeam.Get()
	n, ok2 := newTeam.Get()
	if !ok1 || !ok2 || o == n {
		return "", false
	}
	return t.Classify(o, n), true
}

// transitionsFile is the YAML layout accepted by LoadTransitionTable:
//
//	death:
//	  - "4->3"
//	  - "4->1002"
//	redemption:
//	  - "3->4"
//	team_names:
//	  3: Undead
type transitionsFile struct {
	Death      []string       `yaml:"death"`
	Redemption []string       `yaml:"redemption"`
	TeamNames  map[int]string `yaml:"team_names"`
}

// LoadTransitionTable reads a classifier override. The returned labels are
// merged over DefaultTeamNames.
func LoadTransitionTable(path string) (TransitionTable, TeamNames, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read transitions file: %w", err)
	}
	return ParseTransitionTable(data)
}

// ParseTransitionTable decodes the YAML form documented on transitionsFile.
func ParseTransitionTable(data []byte) (TransitionTable, TeamNames, error) {
	var f transitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse transitions file: %w", err)
	}

	table := TransitionTable{}
	for kind, pairs := range map[models.ChangeKind][]string{
		models.ChangeDeath:      f.Death,
		models.ChangeRedemption: f.Redemption,
	} {
		for _, p := range pairs {
			tr, err := parseTransition(p)
			if err != nil {
				return nil, nil, err
			}
			if prev, dup := table[tr]; dup && prev != kind {
				return nil, nil, fmt.Errorf("transition %q listed as both %s and %s", p, prev, kind)
			}
			table[tr] = kind
		}
	}

	names := DefaultTeamNames()
	for id, name := range f.TeamNames {
		names[id] = name
	}
	return table, names, nil
}

func parseTransition(s string) (Transition, error) {
	from, to, ok := strings.Cut(s, "->")
	if !ok {
		return Transition{}, fmt.Errorf("invalid transition %q, want \"old->new\"", s)
	}
	f, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return Transition{}, fmt.Errorf("invalid transition %q: %w", s, err)
	}
	t, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil {
		return Transition{}, fmt.Errorf("invalid transition %q: %w", s, err)
	}
	return Transition{From: f, To: t}, nil
}

// TeamNames labels team ids for display and per-team aggregates.
type TeamNames map[int]string

func DefaultTeamNames() TeamNames {
	return TeamNames{
		1:    "Team 1",
		2:    "Team 2",
		3:    "Undead",
		4:    "Humans",
		1002: "Spectators",
	}
}

// Name returns the label for id, or "Team <id>".
func (n TeamNames) Name(id int) string {
	if name, ok := n[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("Team %d", id)
}
