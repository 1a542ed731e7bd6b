package main

import (
	"fmt"
	"net/http"

	"github.com/storely/concierge-go/internal/agent"
	"github.com/storely/concierge-go/internal/config"
	"github.com/storely/concierge-go/internal/llm"
	"github.com/storely/concierge-go/internal/logger"
	"github.com/storely/concierge-go/internal/pagination"
	"github.com/storely/concierge-go/internal/ratelimit"
	"github.com/storely/concierge-go/internal/server"
	"github.com/storely/concierge-go/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		return
	}
	logger.SetLevel(cfg.Log.Level)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.L.Error("failed to open message store", "path", cfg.Store.Path, "error", err)
		return
	}
	defer st.Close()

	llmClient := llm.NewClient(cfg.LLM)

	replyAgent := agent.New(llmClient, st, agent.Config{
		Model:             cfg.LLM.Model,
		SystemPrompt:      cfg.LLM.SystemPrompt,
		HistoryLimit:      cfg.Chat.HistoryLimit,
		ContextBudget:     cfg.Chat.ContextBudget,
		CompletionTimeout: cfg.Chat.CompletionTimeout,
	})

	srv := &server.Server{
		Agent: replyAgent,
		Paginator: &pagination.Paginator{
			Store:        st,
			MaxLimit:     cfg.Chat.PageMaxLimit,
			DefaultLimit: cfg.Chat.PageDefaultLimit,
		},
		SendLimiter:    ratelimit.New(cfg.Limits.Send.Window, cfg.Limits.Send.MaxRequests),
		HistoryLimiter: ratelimit.New(cfg.Limits.History.Window, cfg.Limits.History.MaxRequests),
	}

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting server", "address", serverAddr)
	if err := http.ListenAndServe(serverAddr, srv.Routes()); err != nil {
		logger.L.Error("failed to start server", "error", err)
	}
}
