package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gokatarajesh/daily-quiz/internal/auth"
)

func newAdminCmd(g *globals, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <quiz-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quizID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid quiz id %q", args[0])
			}
			status, err := callAdmin(cmd.Context(), http.DefaultClient, g.apiURL, g.adminKey, quizID, action)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", quizID, status)
			return nil
		},
	}
}

type adminResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// callAdmin posts to /v1/admin/quizzes/{id}/{action} and returns the resulting status.
func callAdmin(ctx context.Context, client *http.Client, apiURL, key string, quizID uuid.UUID, action string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("admin key is required (--admin-key or QUIZCTL_ADMIN_KEY)")
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1/admin/quizzes/%s/%s", strings.TrimRight(apiURL, "/"), quizID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(auth.AdminKeyHeader, key)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s quiz: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}
	var out adminResponse
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return "", fmt.Errorf("%s quiz: %s: %s", action, out.Error, out.Message)
		}
		return "", fmt.Errorf("%s quiz: unexpected status %d", action, resp.StatusCode)
	}
	return out.Status, nil
}
