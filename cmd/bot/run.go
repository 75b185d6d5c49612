package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maddness/vkusvill-mcp-bot/pkg/logging"
	"github.com/maddness/vkusvill-mcp-bot/pkg/ux"
	"github.com/maddness/vkusvill-mcp-bot/services/assistant/agent"
	"github.com/maddness/vkusvill-mcp-bot/services/assistant/session"
	"github.com/maddness/vkusvill-mcp-bot/services/assistant/tools"
	"github.com/maddness/vkusvill-mcp-bot/services/llm"
	"github.com/maddness/vkusvill-mcp-bot/services/mcp"
)

// consoleUserID identifies the local console operator; the session
// model is keyed per user to match the multi-user transports.
const consoleUserID = 1

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the interactive assistant console",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot(cmd.Context())
	},
}

func runBot(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "vkusvill-bot",
		JSON:    cfg.Logging.JSON,
	})
	defer log.Close()

	mcpOpts := []mcp.Option{
		mcp.WithTimeout(cfg.MCP.Timeout.Std()),
		mcp.WithRateLimit(cfg.MCP.RequestsPerSecond),
		mcp.WithLogger(log.With("component", "mcp")),
	}
	if cfg.MCP.Insecure {
		mcpOpts = append(mcpOpts, mcp.WithInsecureTLS())
	}
	mcpClient := mcp.NewClient(cfg.MCP.URL, mcpOpts...)

	llmClient := llm.NewOpenAIClient(
		cfg.LLM.APIKey,
		cfg.LLM.APIBase,
		cfg.LLM.Model,
		llm.WithOpenAILogger(log.With("component", "llm")),
	)

	store := session.NewStore(cfg.Bot.MaxHistoryMessages)
	adapter := tools.NewAdapter(mcpClient, log.With("component", "tools"))
	prompts := agent.LoadPrompts(cfg.Bot.PromptsDir, log.With("component", "prompts"))

	orchOpts := []agent.OrchestratorOption{
		agent.WithMaxTurns(cfg.Bot.MaxTurns),
		agent.WithStreamThresholds(cfg.Bot.StreamMinChars, cfg.Bot.StreamUpdateInterval.Std()),
		agent.WithPrompts(prompts),
		agent.WithLogger(log.With("component", "agent")),
	}
	if cfg.Storage.DataDir != "" {
		archive, err := session.OpenArchive(cfg.Storage.DataDir, log.With("component", "archive"))
		if err != nil {
			return err
		}
		defer archive.Close()
		orchOpts = append(orchOpts, agent.WithArchive(archive))
	}
	orchestrator := agent.NewOrchestrator(llmClient, adapter, store, orchOpts...)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Bot.PromptsDir != "" {
		g.Go(func() error {
			return prompts.Watch(ctx)
		})
	}

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		g.Go(func() error {
			log.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Bot.SessionIdleEviction > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Bot.SessionIdleEviction.Std())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if n := store.EvictIdle(cfg.Bot.SessionIdleEviction.Std()); n > 0 {
						log.Info("idle sessions evicted", "count", n)
					}
				}
			}
		})
	}

	g.Go(func() error {
		console := ux.NewConsole()
		err := console.Run(ctx, ux.Handlers{
			Message: func(ctx context.Context, text string, view *ux.StreamView) error {
				res, err := orchestrator.Run(ctx, agent.Request{
					UserID:   consoleUserID,
					Text:     text,
					Progress: view.Progress,
					Stream:   view.Update,
				})
				if errors.Is(err, agent.ErrBusy) {
					view.Done(agent.BusyText)
					return nil
				}
				if err != nil {
					return err
				}
				view.Done(res.FinalText)
				return nil
			},
			Reset: func() {
				orchestrator.Reset(consoleUserID, 0)
			},
		})
		stop()
		return err
	})

	log.Info("bot started", "model", cfg.LLM.Model, "mcp_url", cfg.MCP.URL)
	return g.Wait()
}
