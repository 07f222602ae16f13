// Package scoring implements the group-stage scoring kernel: a deterministic,
// priority-ordered rule evaluator that compares a user's partition of teams
// into labelled groups against the ground-truth partition.
//
// Exactly one rule fires per evaluation — the first whose condition holds —
// and the outcome is independent of the order teams appear inside a group.
package scoring

import (
	"fmt"
	"sort"
)

// Rule identifiers, in priority order. The numeric tag is persisted in the
// result breakdown and must stay stable.
const (
	RuleAllCorrect             = 1 // every team in its true group
	RuleTwoMisplaced           = 2
	RuleThreeMisplaced         = 3
	RuleDesignatedGroupCorrect = 4 // the designated team's group matched exactly
	RulePerfectGroup           = 5 // at least one group matched exactly
	RuleThreeCorrect           = 6 // some group has 3 of 4 correct
	RuleNoMatch                = 7
)

// ruleNames maps the numeric tag to the stable machine-readable rule id.
var ruleNames = map[int]string{
	RuleAllCorrect:             "ALL_CORRECT",
	RuleTwoMisplaced:           "TWO_MISPLACED",
	RuleThreeMisplaced:         "THREE_MISPLACED",
	RuleDesignatedGroupCorrect: "IRAN_GROUP_CORRECT",
	RulePerfectGroup:           "PERFECT_GROUP",
	RuleThreeCorrect:           "THREE_CORRECT",
	RuleNoMatch:                "NO_MATCH",
}

// ruleScores maps the numeric tag to the awarded score.
var ruleScores = map[int]int{
	RuleAllCorrect:             100,
	RuleTwoMisplaced:           80,
	RuleThreeMisplaced:         60,
	RuleDesignatedGroupCorrect: 50,
	RulePerfectGroup:           40,
	RuleThreeCorrect:           20,
	RuleNoMatch:                0,
}

// Groups is a partition: group label → the team ids placed in that group.
// The scorer treats each value as a set; duplicates are collapsed.
type Groups map[string][]string

// Outcome is the full result of one evaluation.
type Outcome struct {
	Rule   int    // numeric rule tag (1..7)
	RuleID string // stable rule name, e.g. "TWO_MISPLACED"
	Score  int

	// CorrectTeams counts teams placed in their true group, across all groups.
	CorrectTeams int

	// PerfectGroups lists every label whose user set equals the truth set.
	PerfectGroups []string

	// MisplacedTeams lists the user-chosen team ids not in their truth group.
	// Populated for the misplacement rules; sorted for determinism.
	MisplacedTeams []string

	// GroupName and Teams identify the group that satisfied rule 4, 5 or 6.
	GroupName string
	Teams     []string

	// DesignatedGroupCorrect reports whether the designated team's group
	// matched exactly, regardless of which rule fired.
	DesignatedGroupCorrect bool
}

// RuleName returns the stable id for a numeric rule tag.
func RuleName(rule int) string {
	return ruleNames[rule]
}

// Normalize converts a decoded JSON payload into Groups, flattening the
// nested single-element wrapper arrays some historical clients submit
// (e.g. {"A": [["1"], ["2"], "3", "4"]}).
func Normalize(payload map[string]interface{}) (Groups, error) {
	groups := make(Groups, len(payload))
	for label, raw := range payload {
		entries, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("group %q: expected an array, got %T", label, raw)
		}
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			id, err := flattenEntry(entry)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", label, err)
			}
			ids = append(ids, id)
		}
		groups[label] = ids
	}
	return groups, nil
}

func flattenEntry(entry interface{}) (string, error) {
	switch v := entry.(type) {
	case string:
		return v, nil
	case float64:
		// Numeric team ids are tolerated and stringified.
		return fmt.Sprintf("%.0f", v), nil
	case []interface{}:
		if len(v) == 1 {
			return flattenEntry(v[0])
		}
		return "", fmt.Errorf("wrapper array must hold exactly one entry, got %d", len(v))
	default:
		return "", fmt.Errorf("unsupported entry type %T", entry)
	}
}

// Score evaluates the user partition against truth. designatedID is the team
// id singled out by rule 4 (empty disables that rule — e.g. the team is not
// part of this tournament edition).
func Score(user, truth Groups, designatedID string) Outcome {
	userSets := toSets(user)
	truthSets := toSets(truth)

	var (
		misplaced    []string
		correctTeams int
		perfect      []string
	)
	for _, label := range sortedLabels(truthSets) {
		us, ts := userSets[label], truthSets[label]
		for id := range us {
			if ts[id] {
				correctTeams++
			} else {
				misplaced = append(misplaced, id)
			}
		}
		if setsEqual(us, ts) {
			perfect = append(perfect, label)
		}
	}
	sort.Strings(misplaced)
	sort.Strings(perfect)

	designatedOK, designatedLabel := designatedGroupCorrect(userSets, truthSets, designatedID)

	out := Outcome{
		CorrectTeams:           correctTeams,
		PerfectGroups:          perfect,
		DesignatedGroupCorrect: designatedOK,
	}

	switch {
	case len(misplaced) == 0:
		out.Rule = RuleAllCorrect

	case len(misplaced) == 2:
		out.Rule = RuleTwoMisplaced
		out.MisplacedTeams = misplaced

	case len(misplaced) == 3:
		out.Rule = RuleThreeMisplaced
		out.MisplacedTeams = misplaced

	case designatedOK:
		out.Rule = RuleDesignatedGroupCorrect
		out.GroupName = designatedLabel
		out.Teams = sortedMembers(truthSets[designatedLabel])

	case len(perfect) > 0:
		out.Rule = RulePerfectGroup
		out.GroupName = perfect[0]
		out.Teams = sortedMembers(truthSets[perfect[0]])

	default:
		if label, shared, ok := threeOfFour(userSets, truthSets); ok {
			out.Rule = RuleThreeCorrect
			out.GroupName = label
			out.Teams = shared
		} else {
			out.Rule = RuleNoMatch
		}
	}

	out.RuleID = ruleNames[out.Rule]
	out.Score = ruleScores[out.Rule]
	return out
}

// designatedGroupCorrect checks rule 4: the designated team appears in the
// user partition, under the same label as in truth, and that whole group
// matches as a set.
func designatedGroupCorrect(user, truth map[string]map[string]bool, designatedID string) (bool, string) {
	if designatedID == "" {
		return false, ""
	}
	userLabel, ok := labelOf(user, designatedID)
	if !ok {
		return false, ""
	}
	truthLabel, ok := labelOf(truth, designatedID)
	if !ok || userLabel != truthLabel {
		return false, ""
	}
	return setsEqual(user[userLabel], truth[truthLabel]), truthLabel
}

// threeOfFour finds the first label (alphabetically) whose user and truth
// sets share exactly three members.
func threeOfFour(user, truth map[string]map[string]bool) (string, []string, bool) {
	for _, label := range sortedLabels(truth) {
		var shared []string
		for id := range user[label] {
			if truth[label][id] {
				shared = append(shared, id)
			}
		}
		if len(shared) == 3 {
			sort.Strings(shared)
			return label, shared, true
		}
	}
	return "", nil, false
}

func labelOf(sets map[string]map[string]bool, id string) (string, bool) {
	for _, label := range sortedLabels(sets) {
		if sets[label][id] {
			return label, true
		}
	}
	return "", false
}

func toSets(g Groups) map[string]map[string]bool {
	sets := make(map[string]map[string]bool, len(g))
	for label, ids := range g {
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		sets[label] = set
	}
	return sets
}

func setsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return len(a) > 0
}

func sortedLabels(sets map[string]map[string]bool) []string {
	labels := make([]string, 0, len(sets))
	for label := range sets {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func sortedMembers(set map[string]bool) []string {
	members := make([]string, 0, len(set))
	for id := range set {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}
