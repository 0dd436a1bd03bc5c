package leaderboard

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

var joined = time.Date(2026, 10, 17, 17, 50, 0, 0, time.UTC)

func participant(name string, score int, spent time.Duration, joinOffset time.Duration) quiz.Participant {
	return quiz.Participant{
		UserID:      uuid.New(),
		DisplayName: name,
		Eligible:    true,
		Totals:      quiz.Totals{Score: score, TimeSpent: spent, AnsweredCount: 1},
		JoinedAt:    joined.Add(joinOffset),
	}
}

func TestRankOrdersByScoreThenTime(t *testing.T) {
	ps := []quiz.Participant{
		participant("a", 50, 10*time.Second, 0),
		participant("b", 80, 5*time.Second, time.Second),
		participant("c", 80, 8*time.Second, 2*time.Second),
		participant("d", 30, 20*time.Second, 3*time.Second),
	}

	standings := Rank(ps, PolicyAll)
	require.Len(t, standings, 4)
	names := []string{}
	for i, s := range standings {
		names = append(names, s.DisplayName)
		assert.Equal(t, i+1, s.Rank)
		assert.True(t, s.Completed)
	}
	assert.Equal(t, []string{"b", "c", "a", "d"}, names)
}

func TestRankBreaksExactTiesByJoinOrder(t *testing.T) {
	late := participant("late", 40, 6*time.Second, time.Minute)
	early := participant("early", 40, 6*time.Second, 0)

	standings := Rank([]quiz.Participant{late, early}, PolicyAll)
	assert.Equal(t, "early", standings[0].DisplayName)
	assert.Equal(t, 1, standings[0].Rank)
	assert.Equal(t, 2, standings[1].Rank)
}

func TestRankAnsweredPolicy(t *testing.T) {
	silent := participant("silent", 0, 0, 0)
	silent.AnsweredCount = 0
	active := participant("active", 0, 15*time.Second, time.Second)
	ineligible := participant("ineligible", 90, time.Second, 0)
	ineligible.Eligible = false

	standings := Rank([]quiz.Participant{silent, active, ineligible}, PolicyAnswered)
	require.Len(t, standings, 2)
	assert.Equal(t, "active", standings[0].DisplayName)
	assert.Equal(t, 1, standings[0].Rank)
	assert.Equal(t, "silent", standings[1].DisplayName)
	assert.Zero(t, standings[1].Rank)
	assert.False(t, standings[1].Completed)

	all := Rank([]quiz.Participant{silent, active}, PolicyAll)
	assert.Equal(t, 2, all[1].Rank)

	assert.Len(t, Top(standings, 10), 1)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyAll, p)
	p, err = ParsePolicy("answered")
	require.NoError(t, err)
	assert.Equal(t, PolicyAnswered, p)
	_, err = ParsePolicy("fastest")
	assert.Error(t, err)
}
