package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/precious112/prism_ai/worker/internal/config"
	"github.com/precious112/prism_ai/worker/internal/history"
	"github.com/precious112/prism_ai/worker/internal/queue"
)

func enqueueCMD(cfgPath *string) *cobra.Command {
	var (
		query       string
		requestID   string
		configJSON  string
		historyJSON string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Push a research task onto the task queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := buildTask(query, requestID, configJSON, historyJSON)
			if err != nil {
				return err
			}

			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			client, err := newRedisClient(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			tasks := queue.NewRedisQueue(client, cfg.Redis.TaskQueue, nil)
			if err := tasks.Ping(ctx); err != nil {
				return err
			}
			if err := tasks.Push(ctx, task); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), task.RequestID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "research query (required)")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id (default: random UUID)")
	cmd.Flags().StringVar(&configJSON, "config-json", "{}", "task config as a JSON object")
	cmd.Flags().StringVar(&historyJSON, "history-json", "", "prior conversation as a JSON array of {role, content}")
	_ = cmd.MarkFlagRequired("query")

	return cmd
}

func buildTask(query, requestID, configJSON, historyJSON string) (queue.Task, error) {
	if query == "" {
		return queue.Task{}, errors.New("query must not be empty")
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	task := queue.Task{RequestID: requestID, Query: query, Config: map[string]any{}}
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &task.Config); err != nil {
			return queue.Task{}, fmt.Errorf("--config-json: %w", err)
		}
	}
	if historyJSON != "" {
		var messages []history.Message
		if err := json.Unmarshal([]byte(historyJSON), &messages); err != nil {
			return queue.Task{}, fmt.Errorf("--history-json: %w", err)
		}
		task.History = messages
	}
	return task, nil
}
