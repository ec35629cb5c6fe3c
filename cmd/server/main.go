package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"courier/internal/agents"
	"courier/internal/attachments"
	"courier/internal/audio"
	"courier/internal/bot"
	"courier/internal/config"
	"courier/internal/cron"
	"courier/internal/logging"
	"courier/internal/memory"
	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/runner"
	"courier/internal/store"
	"courier/internal/tasks"
	"courier/internal/telegram"
	"courier/internal/tokens"
	"courier/internal/watch"
)

func main() {
	log.SetFlags(log.LstdFlags)
	logging.Init()

	log.Println("🚀 Starting Courier...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err == nil {
		log.Println("✅ .env file loaded")
	}

	cfg := config.Load()
	if cfg.BotToken == "" {
		log.Println("❌ TELEGRAM_BOT_TOKEN is required")
		os.Exit(1)
	}

	stateDir, err := store.Dir()
	if err != nil {
		log.Fatalf("❌ Failed to resolve state directory: %v", err)
	}
	log.Printf("📋 Configuration loaded (Port: %s, state: %s)", cfg.Port, stateDir)

	st, err := store.New(stateDir)
	if err != nil {
		log.Fatalf("❌ Failed to open state store: %v", err)
	}

	threads, err := store.NewThreadStore(st)
	if err != nil {
		log.Fatalf("❌ Failed to load threads: %v", err)
	}
	settings, err := store.NewSettingsStore(st, cfg.DefaultAgent)
	if err != nil {
		log.Fatalf("❌ Failed to load settings: %v", err)
	}

	mem, err := memory.NewService(st, stateDir, memory.Options{
		CurateEvery:     cfg.MemoryCurateEvery,
		CaptureMaxChars: cfg.MemoryCaptureMaxChars,
	})
	if err != nil {
		log.Fatalf("❌ Failed to start memory service: %v", err)
	}
	defer mem.Close()

	client := telegram.NewClient(cfg.BotToken)

	tracker, err := tokens.NewTracker(st, cfg.TokenBudgetDaily, func(pct int, used, budget int64) {
		chatID := settings.CronChatID()
		if chatID == 0 {
			return
		}
		msg := fmt.Sprintf("⚠️ Token budget at %d%%: %d of %d used today.", pct, used, budget)
		if err := client.SendToTopic(chatID, 0, msg); err != nil {
			log.Printf("⚠️ [TOKENS] Alert delivery failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("❌ Failed to load token tracker: %v", err)
	}

	registry := agents.NewRegistry()
	agentsYAML := filepath.Join(stateDir, "agents.yaml")
	if n, err := agents.LoadCustomAgents(agentsYAML, registry); err != nil {
		log.Printf("⚠️ [AGENTS] Custom agent load failed: %v", err)
	} else if n > 0 {
		log.Printf("✅ [AGENTS] Loaded %d custom agents", n)
	}

	run := runner.New(cfg, registry, threads, settings, mem, tracker)

	taskMgr := tasks.NewManager(client, cfg.TaskTTL)
	defer taskMgr.Close()

	sched, err := cron.NewScheduler(st, run, tracker, client, settings, mem, cfg.CronBudgetGatePct)
	if err != nil {
		log.Fatalf("❌ Failed to start cron scheduler: %v", err)
	}
	sched.Start()

	att, err := attachments.NewStore(stateDir, cfg.AttachmentTTL, cfg.AttachmentCleanupInterval)
	if err != nil {
		log.Fatalf("❌ Failed to open attachment store: %v", err)
	}
	att.SweepOrphans()

	transcriber := audio.NewTranscriber(cfg.TranscriberURL, cfg.TranscriberKey)
	if transcriber.Enabled() {
		log.Println("🎙️ Voice transcription enabled")
	}

	metrics.Init()

	b := bot.New(cfg, client, run, registry, settings, mem, tracker,
		taskMgr, sched, att, transcriber)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Preamble and adapter files take effect without a restart.
	watched := []string{
		filepath.Join(stateDir, "soul.md"),
		filepath.Join(stateDir, "tools.md"),
		agentsYAML,
	}
	if err := watch.Files(ctx, watched, func(path string) {
		log.Printf("🔄 [WATCH] %s changed", filepath.Base(path))
		if path == agentsYAML {
			if n, err := agents.LoadCustomAgents(agentsYAML, registry); err != nil {
				log.Printf("⚠️ [AGENTS] Reload failed: %v", err)
			} else {
				log.Printf("✅ [AGENTS] Reloaded %d custom agents", n)
			}
		}
	}); err != nil {
		log.Printf("⚠️ [WATCH] Live reload unavailable: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               "Courier v1.0",
		ReadTimeout:           60 * time.Second,
		WriteTimeout:          60 * time.Second,
		BodyLimit:             10 * 1024 * 1024,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	prometheus := fiberprometheus.New("courier")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if cfg.WebhookBase != "" {
		webhookPath := "/webhook/" + cfg.BotToken
		app.Post(webhookPath, func(c *fiber.Ctx) error {
			var update models.TelegramUpdate
			if err := c.BodyParser(&update); err != nil {
				return c.SendStatus(fiber.StatusBadRequest)
			}
			go b.HandleUpdate(update)
			return c.SendStatus(fiber.StatusOK)
		})
		if err := client.SetWebhook(ctx, cfg.WebhookBase+webhookPath); err != nil {
			log.Fatalf("❌ Failed to register webhook: %v", err)
		}
		log.Printf("🔗 Webhook registered at %s%s", cfg.WebhookBase, webhookPath)
	} else {
		if err := client.DeleteWebhook(ctx); err != nil {
			log.Printf("⚠️ [TELEGRAM] Webhook cleanup failed: %v", err)
		}
		poller := telegram.NewPoller(client, b.HandleUpdate)
		go poller.Run(ctx)
		log.Println("📡 Long polling started")
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down...")
		cancel()
		sched.Stop()

		// Let in-flight agent runs finish, within reason.
		done := make(chan struct{})
		go func() {
			taskMgr.Drain()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			log.Println("⚠️ Drain timed out, shutting down anyway")
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
	log.Println("👋 Goodbye")
}
