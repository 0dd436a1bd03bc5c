package cli

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type globals struct {
	apiURL   string
	adminKey string
}

// Execute runs the operator CLI.
func Execute() error {
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load("configs/.env")
	}
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	envAPI := os.Getenv("QUIZCTL_API_URL")
	if envAPI == "" {
		envAPI = "http://localhost:8080"
	}

	cmd := &cobra.Command{
		Use:          "quizctl",
		Short:        "Operate the daily live quiz: seed quizzes, start or end them, mint keys and tokens",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.apiURL, "api", envAPI, "base URL of the quiz API")
	cmd.PersistentFlags().StringVar(&g.adminKey, "admin-key", os.Getenv("QUIZCTL_ADMIN_KEY"), "operator key sent as X-Admin-Key")
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newAdminCmd(g, "start", "Start a scheduled quiz now"))
	cmd.AddCommand(newAdminCmd(g, "end", "End a quiz immediately and publish its results"))
	cmd.AddCommand(newHashKeyCmd())
	cmd.AddCommand(newTokenCmd())
	return cmd
}
