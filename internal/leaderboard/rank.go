package leaderboard

import (
	"fmt"
	"sort"

	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

// Policy decides who is ranked.
type Policy string

const (
	// PolicyAll ranks every eligible registered participant.
	PolicyAll Policy = "all"
	// PolicyAnswered ranks only participants with at least one ledger entry.
	PolicyAnswered Policy = "answered"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyAll, "":
		return PolicyAll, nil
	case PolicyAnswered:
		return PolicyAnswered, nil
	}
	return "", fmt.Errorf("unknown rank policy %q", s)
}

// Rank orders participants by score descending, then total time ascending, then join time
// and user id so that equal results still get distinct, stable ranks 1..n. Participants
// excluded by policy come last with rank 0 and completed=false.
func Rank(participants []quiz.Participant, policy Policy) []quiz.Standing {
	ordered := make([]quiz.Participant, 0, len(participants))
	for _, p := range participants {
		if p.Eligible {
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.TimeSpent != b.TimeSpent {
			return a.TimeSpent < b.TimeSpent
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID.String() < b.UserID.String()
	})

	ranked := make([]quiz.Standing, 0, len(ordered))
	var unranked []quiz.Standing
	for _, p := range ordered {
		st := quiz.Standing{UserID: p.UserID, DisplayName: p.DisplayName, Totals: p.Totals}
		if policy == PolicyAnswered && p.AnsweredCount == 0 {
			unranked = append(unranked, st)
			continue
		}
		st.Completed = true
		st.Rank = len(ranked) + 1
		ranked = append(ranked, st)
	}
	return append(ranked, unranked...)
}

// Top returns at most n ranked standings.
func Top(standings []quiz.Standing, n int) []quiz.Standing {
	out := make([]quiz.Standing, 0, n)
	for _, s := range standings {
		if len(out) == n {
			break
		}
		if s.Rank > 0 {
			out = append(out, s)
		}
	}
	return out
}
