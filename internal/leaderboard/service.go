package leaderboard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/clock"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

// Supported leaderboard windows.
const (
	WindowDaily   = "daily"
	WindowWeekly  = "weekly"
	WindowMonthly = "monthly"
	WindowAllTime = "all_time"
)

var defaultWindows = []string{WindowDaily, WindowWeekly, WindowMonthly, WindowAllTime}

// Entry is one row of a cross-quiz leaderboard.
type Entry struct {
	UserID        uuid.UUID `json:"user_id"`
	DisplayName   string    `json:"display_name"`
	Score         int       `json:"score"`
	Wins          int       `json:"wins"`
	Games         int       `json:"games"`
	Accuracy      float64   `json:"accuracy"`
	CorrectTotal  int       `json:"-"`
	QuestionTotal int       `json:"-"`
}

// RecordRequest captures one sealed quiz result.
type RecordRequest struct {
	UserID        uuid.UUID
	DisplayName   string
	Score         int
	CorrectCount  int
	QuestionCount int
	Won           bool
	QuizDate      time.Time
}

// ServiceOptions configures leaderboard service behavior.
type ServiceOptions struct {
	TopN           int
	Windows        []string
	EntryTTL       time.Duration
	RedisKeyPrefix string
}

// Service aggregates sealed quiz results into daily, weekly, monthly and all-time
// leaderboards in Redis.
type Service struct {
	redis    *redis.Client
	clock    clock.Clock
	logger   zerolog.Logger
	topN     int
	windows  []string
	entryTTL time.Duration
	prefix   string
}

// NewService constructs a leaderboard service instance.
func NewService(redis *redis.Client, clk clock.Clock, logger zerolog.Logger, opts ServiceOptions) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = 50
	}
	windows := opts.Windows
	if len(windows) == 0 {
		windows = defaultWindows
	}
	prefix := opts.RedisKeyPrefix
	if prefix == "" {
		prefix = "lb"
	}
	ttl := opts.EntryTTL
	if ttl <= 0 {
		ttl = 40 * 24 * time.Hour
	}

	return &Service{
		redis:    redis,
		clock:    clk,
		logger:   logger.With().Str("component", "leaderboard").Logger(),
		topN:     topN,
		windows:  windows,
		entryTTL: ttl,
		prefix:   prefix,
	}
}

// RecordStandings adds every ranked standing of q to the windows covering the quiz date.
func (s *Service) RecordStandings(ctx context.Context, q *quiz.Quiz, standings []quiz.Standing) error {
	for _, st := range standings {
		if !st.Completed {
			continue
		}
		err := s.RecordResult(ctx, RecordRequest{
			UserID:        st.UserID,
			DisplayName:   st.DisplayName,
			Score:         st.Score,
			CorrectCount:  st.CorrectCount,
			QuestionCount: len(q.Questions),
			Won:           st.Rank == 1,
			QuizDate:      q.ScheduledAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordResult updates leaderboard metrics for every window.
func (s *Service) RecordResult(ctx context.Context, req RecordRequest) error {
	entry := Entry{
		UserID:        req.UserID,
		DisplayName:   req.DisplayName,
		Score:         req.Score,
		Wins:          boolToInt(req.Won),
		Games:         1,
		CorrectTotal:  req.CorrectCount,
		QuestionTotal: req.QuestionCount,
	}

	for _, window := range s.windows {
		if err := s.updateWindow(ctx, window, req.QuizDate, entry); err != nil {
			return err
		}
	}
	return nil
}

// Top retrieves the top N entries of the current period of a window.
func (s *Service) Top(ctx context.Context, window string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.topN {
		limit = s.topN
	}

	zKey := s.leaderboardKey(window, s.clock.Now())
	results, err := s.redis.ZRevRangeWithScores(ctx, zKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch leaderboard: %w", err)
	}

	entries := make([]Entry, 0, len(results))
	for _, z := range results {
		member, _ := z.Member.(string)
		meta, err := s.readMeta(ctx, zKey, member)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to read leaderboard metadata")
			continue
		}
		meta.Score = int(z.Score)
		entries = append(entries, *meta)
	}
	return entries, nil
}

func (s *Service) updateWindow(ctx context.Context, window string, at time.Time, entry Entry) error {
	zKey := s.leaderboardKey(window, at)
	metaKey := s.metaKey(zKey, entry.UserID)

	pipe := s.redis.TxPipeline()
	pipe.ZIncrBy(ctx, zKey, float64(entry.Score), entry.UserID.String())
	pipe.HIncrBy(ctx, metaKey, "wins", int64(entry.Wins))
	pipe.HIncrBy(ctx, metaKey, "games", int64(entry.Games))
	pipe.HIncrBy(ctx, metaKey, "correct", int64(entry.CorrectTotal))
	pipe.HIncrBy(ctx, metaKey, "questions", int64(entry.QuestionTotal))
	pipe.HSet(ctx, metaKey, map[string]interface{}{
		"display_name": entry.DisplayName,
	})
	if window != WindowAllTime {
		pipe.Expire(ctx, zKey, s.entryTTL)
		pipe.Expire(ctx, metaKey, s.entryTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update leaderboard window %s: %w", window, err)
	}
	return nil
}

func (s *Service) readMeta(ctx context.Context, zKey, member string) (*Entry, error) {
	userID, err := uuid.Parse(member)
	if err != nil {
		return nil, fmt.Errorf("bad leaderboard member %q: %w", member, err)
	}
	data, err := s.redis.HGetAll(ctx, s.metaKey(zKey, userID)).Result()
	if err != nil {
		return nil, err
	}

	entry := &Entry{UserID: userID}
	if len(data) == 0 {
		// No metadata yet; fallback minimal entry.
		return entry, nil
	}
	entry.DisplayName = data["display_name"]
	entry.Wins = parseInt(data["wins"])
	entry.Games = parseInt(data["games"])
	entry.CorrectTotal = parseInt(data["correct"])
	entry.QuestionTotal = parseInt(data["questions"])
	if entry.QuestionTotal > 0 {
		entry.Accuracy = float64(entry.CorrectTotal) / float64(entry.QuestionTotal)
	}
	return entry, nil
}

// leaderboardKey scopes a window to the period containing at.
func (s *Service) leaderboardKey(window string, at time.Time) string {
	at = at.UTC()
	switch window {
	case WindowDaily:
		return fmt.Sprintf("%s:%s:%s", s.prefix, window, at.Format("2006-01-02"))
	case WindowWeekly:
		year, week := at.ISOWeek()
		return fmt.Sprintf("%s:%s:%d-W%02d", s.prefix, window, year, week)
	case WindowMonthly:
		return fmt.Sprintf("%s:%s:%s", s.prefix, window, at.Format("2006-01"))
	default:
		return fmt.Sprintf("%s:%s", s.prefix, window)
	}
}

func (s *Service) metaKey(zKey string, userID uuid.UUID) string {
	return fmt.Sprintf("%s:meta:%s", zKey, userID.String())
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func parseInt(val string) int {
	if val == "" {
		return 0
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return i
}
