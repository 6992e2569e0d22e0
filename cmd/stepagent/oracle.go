package main

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/openai"

	"github.com/tbxark/stepagent/config"
	"github.com/tbxark/stepagent/oracle"
)

func newBoundary(ctx context.Context, cfg *config.Config) (*oracle.Boundary, error) {
	if err := cfg.RequireModel(); err != nil {
		return nil, err
	}
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  cfg.Model.APIKey,
		Model:   cfg.Model.Name,
		BaseURL: cfg.Model.BaseURL,
		Timeout: cfg.Oracle.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	opts := []oracle.ModelOption{
		oracle.WithHistoryWindow(cfg.Oracle.History),
		oracle.WithSampling(cfg.Model.Temperature, cfg.Model.MaxTokens),
	}
	if cfg.Model.ContentReplies {
		opts = append(opts, oracle.WithContentReplies())
	}
	src, err := oracle.NewModelSource(cm, opts...)
	if err != nil {
		return nil, err
	}
	return oracle.NewBoundary(src), nil
}

// newClient talks to a remote boundary when oracle.url is set and runs the
// boundary in process otherwise.
func newClient(ctx context.Context, cfg *config.Config) (*oracle.Client, error) {
	var gen oracle.Generator
	if cfg.Oracle.URL != "" {
		gen = oracle.NewHTTPGenerator(cfg.Oracle.URL, cfg.Oracle.Timeout)
	} else {
		b, err := newBoundary(ctx, cfg)
		if err != nil {
			return nil, err
		}
		gen = b
	}
	return oracle.NewClient(gen,
		oracle.WithMinInterval(cfg.Oracle.MinInterval),
		oracle.WithBackoff(cfg.Oracle.BackoffStep, cfg.Oracle.BackoffMax),
	), nil
}
