package cli

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/gokatarajesh/daily-quiz/internal/config"
	"github.com/gokatarajesh/daily-quiz/internal/db/repository"
	"github.com/gokatarajesh/daily-quiz/internal/quiz"
)

type seedOptions struct {
	file    string
	shuffle bool
	dryRun  bool
	seed    uint64
}

func newSeedCmd() *cobra.Command {
	opts := &seedOptions{}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a YAML quiz definition and store it as scheduled",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := loadQuiz(opts, time.Now().UTC())
			if err != nil {
				return err
			}
			if opts.dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "valid: %q at %s with %d questions\n", q.Title, q.ScheduledAt.Format(time.RFC3339), len(q.Questions))
				return nil
			}
			if err := storeQuiz(cmd.Context(), q); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), q.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "quiz definition (YAML)")
	cmd.Flags().BoolVar(&opts.shuffle, "shuffle", false, "shuffle question order once before storing")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "shuffle seed; 0 picks a random one")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "validate only")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func loadQuiz(opts *seedOptions, now time.Time) (*quiz.Quiz, error) {
	data, err := os.ReadFile(opts.file)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	def, err := quiz.ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	q := def.Build(uuid.New(), now)
	if opts.shuffle {
		seed := opts.seed
		if seed == 0 {
			seed = rand.Uint64()
		}
		quiz.Shuffle(q.Questions, rand.New(rand.NewPCG(seed, seed)))
	}
	return q, nil
}

func storeQuiz(ctx context.Context, q *quiz.Quiz) error {
	var pg config.Postgres
	if err := env.Parse(&pg); err != nil {
		return fmt.Errorf("postgres configuration: %w", err)
	}
	pool, err := pgxpool.New(ctx, pg.DSN())
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	return repository.NewQuizRepository(pool).CreateQuiz(ctx, q)
}
