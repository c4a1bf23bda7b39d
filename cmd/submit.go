package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reelforge/reelforge/internal/admission"
	"github.com/reelforge/reelforge/internal/queue"
	"github.com/reelforge/reelforge/internal/store"
)

var (
	submitUser     string
	submitPrompt   string
	submitNegative string
	submitDuration int
	submitSamples  int
	submitAudio    bool
	submitAspect   string
	submitSeed     int64
	submitImage    string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a generation request through the admission gate",
	Long: `Validate and price a generation request, atomically reserve tokens,
create the job, and enqueue it for the worker pool.

Examples:
  reelforge submit --user u1 --prompt "a red fox in the snow" --duration 8
  reelforge submit --user u1 --prompt "surf at dawn" --duration 4 --audio --samples 2`,
	Run: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) {
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

	gate := admission.NewGate(st, q, admission.Config{
		Pricing: admission.Pricing{
			TokensPerSecond:    cfg.Pricing.TokensPerSecond,
			AudioSurcharge:     cfg.Pricing.AudioSurcharge,
			MinDurationSeconds: cfg.Pricing.MinDurationSeconds,
			MaxDurationSeconds: cfg.Pricing.MaxDurationSeconds,
			MaxSampleCount:     cfg.Pricing.MaxSampleCount,
			MaxPromptLength:    cfg.Pricing.MaxPromptLength,
		},
		RatePerSecond: cfg.Pricing.RatePerSecond,
		Burst:         cfg.Pricing.RateBurst,
		LogFn:         logLine,
	})

	jobID, err := gate.Submit(ctx, admission.SubmitRequest{
		UserID:          submitUser,
		Prompt:          submitPrompt,
		NegativePrompt:  submitNegative,
		DurationSeconds: submitDuration,
		AspectRatio:     submitAspect,
		SampleCount:     submitSamples,
		GenerateAudio:   submitAudio,
		Seed:            submitSeed,
		ImageURL:        submitImage,
	})
	if err != nil {
		var vErr *admission.ValidationError
		switch {
		case errors.As(err, &vErr):
			fail("invalid request: %v", vErr)
		case errors.Is(err, store.ErrInsufficientBalance):
			fail("insufficient token balance")
		default:
			fail("%v", err)
		}
	}

	logLine("success", fmt.Sprintf("Video generation started. Job: %s", jobID))
}

func init() {
	submitCmd.Flags().StringVar(&submitUser, "user", "", "user id (required)")
	submitCmd.Flags().StringVar(&submitPrompt, "prompt", "", "generation prompt (required)")
	submitCmd.Flags().StringVar(&submitNegative, "negative-prompt", "", "negative prompt")
	submitCmd.Flags().IntVar(&submitDuration, "duration", 8, "video duration in seconds")
	submitCmd.Flags().IntVar(&submitSamples, "samples", 1, "number of samples to generate")
	submitCmd.Flags().BoolVar(&submitAudio, "audio", false, "generate audio")
	submitCmd.Flags().StringVar(&submitAspect, "aspect-ratio", "", "aspect ratio, e.g. 16:9")
	submitCmd.Flags().Int64Var(&submitSeed, "seed", 0, "generation seed")
	submitCmd.Flags().StringVar(&submitImage, "image", "", "reference image URL")
	submitCmd.MarkFlagRequired("user")
	submitCmd.MarkFlagRequired("prompt")
	rootCmd.AddCommand(submitCmd)
}
