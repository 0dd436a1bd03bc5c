package eligibility

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var quizDate = time.Date(2026, 10, 17, 18, 0, 0, 0, time.UTC)

type paymentsServer struct {
	*httptest.Server
	mu     sync.Mutex
	paid   map[uuid.UUID]bool
	calls  atomic.Int32
	tokens atomic.Int32
	status int
}

func newPaymentsServer(t *testing.T) *paymentsServer {
	t.Helper()
	ps := &paymentsServer{paid: map[uuid.UUID]bool{}, status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		ps.tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"svc-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("GET /v1/eligibility", func(w http.ResponseWriter, r *http.Request) {
		ps.calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer svc-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ps.mu.Lock()
		defer ps.mu.Unlock()
		if ps.status != http.StatusOK {
			w.WriteHeader(ps.status)
			return
		}
		assert.Equal(t, "2026-10-17", r.URL.Query().Get("date"))
		user, err := uuid.Parse(r.URL.Query().Get("user_id"))
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"eligible": ps.paid[user]})
	})
	ps.Server = httptest.NewServer(mux)
	t.Cleanup(ps.Close)
	return ps
}

func (ps *paymentsServer) setPaid(user uuid.UUID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.paid[user] = true
}

func (ps *paymentsServer) gate(t *testing.T) *HTTPGate {
	t.Helper()
	g, err := NewHTTPGate(HTTPConfig{
		BaseURL:      ps.URL + "/",
		TokenURL:     ps.URL + "/token",
		ClientID:     "quiz",
		ClientSecret: "secret",
	}, zerolog.New(io.Discard))
	require.NoError(t, err)
	return g
}

func TestHTTPGate(t *testing.T) {
	ps := newPaymentsServer(t)
	paid, unpaid := uuid.New(), uuid.New()
	ps.setPaid(paid)
	g := ps.gate(t)
	ctx := context.Background()

	ok, err := g.IsEligible(ctx, paid, quizDate)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.IsEligible(ctx, unpaid, quizDate)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, int32(1), ps.tokens.Load(), "token is reused")
}

func TestHTTPGateUnavailable(t *testing.T) {
	ps := newPaymentsServer(t)
	ps.mu.Lock()
	ps.status = http.StatusBadGateway
	ps.mu.Unlock()
	g := ps.gate(t)

	_, err := g.IsEligible(context.Background(), uuid.New(), quizDate)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewHTTPGateRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPGate(HTTPConfig{}, zerolog.New(io.Discard))
	assert.Error(t, err)
}

func TestCachedGateCachesPositiveOnly(t *testing.T) {
	ps := newPaymentsServer(t)
	paid, unpaid := uuid.New(), uuid.New()
	ps.setPaid(paid)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := NewCachedGate(ps.gate(t), rdb, time.Hour, zerolog.New(io.Discard))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := g.IsEligible(ctx, paid, quizDate)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, int32(1), ps.calls.Load())

	for i := 0; i < 2; i++ {
		ok, err := g.IsEligible(ctx, unpaid, quizDate)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, int32(3), ps.calls.Load())

	ps.setPaid(unpaid)
	ok, err := g.IsEligible(ctx, unpaid, quizDate)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("eligible:2026-10-17:"+unpaid.String()))
}

func TestAllowAll(t *testing.T) {
	ok, err := AllowAll{}.IsEligible(context.Background(), uuid.New(), quizDate)
	require.NoError(t, err)
	assert.True(t, ok)
}

type mockGate struct {
	mock.Mock
}

func (m *mockGate) IsEligible(ctx context.Context, userID uuid.UUID, date time.Time) (bool, error) {
	args := m.Called(ctx, userID, date)
	return args.Bool(0), args.Error(1)
}

func TestCachedGateDoesNotCacheFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	next := &mockGate{}
	g := NewCachedGate(next, rdb, 0, zerolog.New(io.Discard))
	user := uuid.New()
	ctx := context.Background()

	next.On("IsEligible", mock.Anything, user, quizDate).Return(false, ErrUnavailable).Once()
	next.On("IsEligible", mock.Anything, user, quizDate).Return(true, nil).Once()

	_, err := g.IsEligible(ctx, user, quizDate)
	assert.ErrorIs(t, err, ErrUnavailable)

	ok, err := g.IsEligible(ctx, user, quizDate)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.IsEligible(ctx, user, quizDate)
	require.NoError(t, err)
	assert.True(t, ok, "served from cache")

	next.AssertExpectations(t)
	assert.Equal(t, 36*time.Hour, mr.TTL("eligible:2026-10-17:"+user.String()))
}

func TestCachedGateSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	next := &mockGate{}
	g := NewCachedGate(next, rdb, time.Hour, zerolog.New(io.Discard))
	user := uuid.New()

	next.On("IsEligible", mock.Anything, user, quizDate).Return(true, nil)
	mr.Close()

	ok, err := g.IsEligible(context.Background(), user, quizDate)
	require.NoError(t, err)
	assert.True(t, ok)
	next.AssertNumberOfCalls(t, "IsEligible", 1)
}
