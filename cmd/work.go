package cmd

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/reelforge/reelforge/internal/artifact"
	"github.com/reelforge/reelforge/internal/notify"
	"github.com/reelforge/reelforge/internal/provider"
	"github.com/reelforge/reelforge/internal/queue"
	"github.com/reelforge/reelforge/internal/worker"
)

var (
	workConcurrency int
	workProvider    string
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the generation worker pool",
	Long: `Consume jobs from the Redis Stream and drive them through the
configured generation provider.

Each consumer processes one job at a time. Delivery is at-least-once:
unacknowledged jobs are redelivered after the visibility timeout, and
terminal-state guards in the store make duplicate deliveries no-ops.

Examples:
  # Run with the configured provider
  reelforge work

  # Run four consumers against the mock provider
  reelforge work --concurrency=4 --provider=mock`,
	Run: runWork,
}

func runWork(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail("%v", err)
	}
	if workConcurrency > 0 {
		cfg.Worker.Concurrency = workConcurrency
	}
	if workProvider != "" {
		cfg.Provider.Name = workProvider
	}

	st, err := openStore(cfg)
	if err != nil {
		fail("%v", err)
	}
	defer st.Close()

	prov, err := provider.New(cfg.Provider)
	if err != nil {
		fail("%v", err)
	}

	source := worker.NewRedisSource(queue.Config{
		URL:           cfg.Redis.URL,
		Password:      cfg.Redis.Password,
		Stream:        cfg.Redis.Stream,
		ConsumerGroup: cfg.Redis.ConsumerGroup,
		BlockMs:       cfg.Redis.BlockMs,
		VisibilityMs:  cfg.Redis.VisibilityMs,
		MaxAttempts:   cfg.Redis.MaxAttempts,
	}, logLine)

	ctx := context.Background()
	if err := source.Connect(ctx); err != nil {
		fail("%v", err)
	}

	handler := worker.NewGenerateHandler(
		st,
		prov,
		artifact.NewDiskStore(cfg.Assets.VideoDir, cfg.Assets.BaseURL),
		notify.NewRedisPublisher(source.Queue().Client()),
		worker.ExpReward{Enabled: cfg.Reward.ExpEnabled, Amount: cfg.Reward.ExpPerJob},
		logLine,
	)

	runner := worker.NewRunner(source, handler, worker.RunnerConfig{
		WorkerID:    getEnvOrDefault("WORKER_ID", "reelforge-"+uuid.New().String()[:8]),
		Concurrency: cfg.Worker.Concurrency,
		LogFn:       logLine,
	})

	if err := runner.Run(ctx); err != nil {
		logLine("error", err.Error())
		os.Exit(1)
	}
}

func init() {
	workCmd.Flags().IntVar(&workConcurrency, "concurrency", 0, "consumer goroutines (overrides config)")
	workCmd.Flags().StringVar(&workProvider, "provider", "", "generation provider: fal, vertex, or mock (overrides config)")
	rootCmd.AddCommand(workCmd)
}
