package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/clientcredentials"
)

const dateLayout = "2006-01-02"

// ErrUnavailable is returned when the payments service cannot give an answer.
var ErrUnavailable = errors.New("eligibility service unavailable")

// Gate decides whether a user has paid for the quiz held on quizDate.
type Gate interface {
	IsEligible(ctx context.Context, userID uuid.UUID, quizDate time.Time) (bool, error)
}

// AllowAll admits every user. Intended for development and tests.
type AllowAll struct{}

// IsEligible always reports true.
func (AllowAll) IsEligible(context.Context, uuid.UUID, time.Time) (bool, error) {
	return true, nil
}

// HTTPConfig points the gate at the payments service.
type HTTPConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// HTTPGate asks the payments service over HTTP, authenticating with OAuth2 client credentials.
type HTTPGate struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

type eligibilityResponse struct {
	Eligible bool `json:"eligible"`
}

// NewHTTPGate builds a gate whose client fetches and refreshes tokens on its own.
func NewHTTPGate(cfg HTTPConfig, logger zerolog.Logger) (*HTTPGate, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("eligibility base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(context.Background())
		client.Timeout = cfg.Timeout
	}

	return &HTTPGate{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		logger:  logger.With().Str("component", "eligibility").Logger(),
	}, nil
}

// IsEligible calls GET {base}/v1/eligibility?user_id=&date=.
func (g *HTTPGate) IsEligible(ctx context.Context, userID uuid.UUID, quizDate time.Time) (bool, error) {
	q := url.Values{}
	q.Set("user_id", userID.String())
	q.Set("date", quizDate.UTC().Format(dateLayout))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/eligibility?"+q.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("eligibility request failed")
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		g.logger.Warn().Int("status", resp.StatusCode).Str("user_id", userID.String()).Msg("eligibility service returned error")
		return false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body eligibilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return body.Eligible, nil
}
