package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/gokatarajesh/daily-quiz/internal/auth/jwt"
)

func TestBaseRoutes(t *testing.T) {
	healthy := true
	var logs bytes.Buffer
	h := NewHandler(zerolog.New(&logs), Routes{
		Tokens: jwt.NewManager(jwt.TokenConfig{Secret: []byte("x")}),
		Ping: []Pinger{func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("redis down")
		}},
	})

	get := func(path string) int {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, get("/healthz"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
	assert.Equal(t, http.StatusOK, get("/v1/ping"))
	healthy = false
	assert.Equal(t, http.StatusBadGateway, get("/v1/ping"))
	assert.Contains(t, logs.String(), "dependency ping failed")
	assert.Contains(t, logs.String(), "redis down")
	assert.Equal(t, http.StatusNotFound, get("/v1/quizzes/x"))
}

func TestUpgraderOrigins(t *testing.T) {
	up := NewUpgrader([]string{"https://quiz.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/ws/quizzes", nil)

	req.Header.Set("Origin", "https://quiz.example.com")
	assert.True(t, up.CheckOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, up.CheckOrigin(req))

	open := NewUpgrader(nil)
	assert.True(t, open.CheckOrigin(req))
}
