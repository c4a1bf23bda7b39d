package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/reelforge/reelforge/internal/notify"
	"github.com/reelforge/reelforge/internal/store"
)

var gatewayListen string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve the notification WebSocket hub and the job status endpoint",
	Long: `Serve live terminal-state notifications over WebSocket and the job
status query endpoint clients poll when they have no live connection.

Routes:
  GET /ws          WebSocket; first message {"userId": "..."} joins the stream
  GET /jobs/{id}   Job status with attempt and artifacts`,
	Run: runGateway,
}

func runGateway(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail("%v", err)
	}
	if gatewayListen != "" {
		cfg.Gateway.Listen = gatewayListen
	}

	st, err := openStore(cfg)
	if err != nil {
		fail("%v", err)
	}
	defer st.Close()

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		fail("parse redis URL: %v", err)
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		fail("connect to redis: %v", err)
	}
	defer client.Close()

	hub := notify.NewHub(client, logLine)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimPrefix(r.URL.Path, "/jobs/")
		if jobID == "" {
			http.NotFound(w, r)
			return
		}
		detail, err := st.GetJob(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jobStatusResponse(detail))
	})

	logLine("info", fmt.Sprintf("Gateway listening on %s", cfg.Gateway.Listen))
	if err := http.ListenAndServe(cfg.Gateway.Listen, mux); err != nil {
		fail("%v", err)
	}
}

// jobStatusResponse shapes the outward job status payload.
func jobStatusResponse(d *store.JobDetail) map[string]any {
	artifacts := make([]map[string]string, 0, len(d.Artifacts))
	for _, a := range d.Artifacts {
		artifacts = append(artifacts, map[string]string{"url": a.URL, "kind": a.Kind})
	}
	resp := map[string]any{
		"jobId":          d.Job.ID,
		"status":         d.Job.Status,
		"prompt":         d.Job.Prompt,
		"tokensReserved": d.Job.TokensReserved,
		"createdAt":      d.Job.CreatedAt,
		"artifacts":      artifacts,
	}
	if d.Job.ErrorMessage != "" {
		resp["errorMessage"] = d.Job.ErrorMessage
	}
	return resp
}

func init() {
	gatewayCmd.Flags().StringVar(&gatewayListen, "listen", "", "listen address (overrides config)")
	rootCmd.AddCommand(gatewayCmd)
}
