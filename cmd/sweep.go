package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/reelforge/reelforge/internal/notify"
	"github.com/reelforge/reelforge/internal/queue"
	"github.com/reelforge/reelforge/internal/sweep"
)

var (
	sweepInterval int
	sweepOnce     bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile abandoned and stuck jobs",
	Long: `Fail and refund jobs stuck in PROCESSING past the provider bound, and
re-enqueue admitted jobs whose queue hand-off was lost.

Runs periodically by default; use --once for a single pass (e.g. cron).`,
	Run: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail("%v", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		fail("%v", err)
	}
	defer st.Close()

	ctx := context.Background()
	q := queue.New(queue.Config{
		URL:           cfg.Redis.URL,
		Password:      cfg.Redis.Password,
		Stream:        cfg.Redis.Stream,
		ConsumerGroup: cfg.Redis.ConsumerGroup,
	})
	if err := q.Connect(ctx); err != nil {
		fail("connect to queue: %v", err)
	}
	defer q.Close()

	s := sweep.New(st, q, notify.NewRedisPublisher(q.Client()), sweep.Config{
		ProcessingTimeout: time.Duration(cfg.Sweep.ProcessingTimeoutMinutes) * time.Minute,
		PendingTimeout:    time.Duration(cfg.Sweep.PendingTimeoutMinutes) * time.Minute,
		LogFn:             logLine,
	})

	runOnce := func() {
		res, err := s.Run(ctx)
		if err != nil {
			logLine("error", err.Error())
			return
		}
		logLine("info", fmt.Sprintf("sweep: %d failed (%d tokens refunded), %d re-enqueued",
			res.Failed, res.Refunded, res.Requeued))
	}

	runOnce()
	if sweepOnce {
		return
	}

	ticker := time.NewTicker(time.Duration(sweepInterval) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		runOnce()
	}
}

func init() {
	sweepCmd.Flags().IntVar(&sweepInterval, "interval", 60, "seconds between sweep passes")
	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "run a single pass and exit")
	rootCmd.AddCommand(sweepCmd)
}
