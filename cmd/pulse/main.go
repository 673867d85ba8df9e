package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/marta/pulse/config"
	"github.com/marta/pulse/internal/admin"
	"github.com/marta/pulse/internal/discord"
	"github.com/marta/pulse/internal/llm"
	"github.com/marta/pulse/internal/narrative"
	"github.com/marta/pulse/internal/report"
	"github.com/marta/pulse/internal/sched"
	"github.com/marta/pulse/internal/service"
	"github.com/marta/pulse/internal/store"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "install":
			exitOnErr(service.Install())
			return
		case "uninstall":
			exitOnErr(service.Uninstall())
			return
		case "start":
			exitOnErr(service.Start())
			return
		case "stop":
			exitOnErr(service.Stop())
			return
		case "restart":
			exitOnErr(service.Restart())
			return
		case "status":
			exitOnErr(service.Status())
			return
		case "logs":
			exitOnErr(service.Logs())
			return
		case "run":
			// fall through to the bot
		default:
			fmt.Fprintf(os.Stderr, "usage: pulse [run|install|uninstall|start|stop|restart|status|logs]\n")
			os.Exit(2)
		}
	}

	run(config.Load())
}

func run(cfg *config.Config) {
	if cfg.DiscordToken == "" {
		log.Fatalf("DISCORD_BOT_TOKEN is required")
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	client, err := llm.NewClient(llm.ProviderConfig{
		Provider: cfg.LLMProvider,
		APIKey:   cfg.APIKey(),
		Model:    cfg.LLMModel,
		BaseURL:  cfg.BaseURL(),
	})
	if err != nil {
		log.Fatalf("failed to create LLM client: %v", err)
	}

	generator := narrative.NewGenerator(client, llm.LoadSystemPrompt(cfg.SystemPromptPath), cfg.GenerationTimeout)

	bot, err := discord.NewBot(cfg.DiscordToken)
	if err != nil {
		log.Fatalf("failed to start Discord bot: %v", err)
	}
	defer bot.Close()

	queue := admin.NewQueue(st, bot, cfg.AdminUserID)
	engine := report.NewEngine(st, generator, bot, queue, report.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Delay:       cfg.RetryDelay,
	})
	scheduler := sched.New(st, engine, queue, bot, cfg.RetrySweepEvery)

	bot.Bind(discord.NewHandlers(st, engine, scheduler, discord.Defaults{
		Timezone:    cfg.DefaultTimezone,
		MorningTime: cfg.DefaultMorningTime,
		EveningTime: cfg.DefaultEveningTime,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	log.Println("pulse is running. Press Ctrl+C to exit.")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down.")
}

// openStore builds the storage stack: SQLite, optionally wrapped in
// the JSON-file failover decorator.
func openStore(cfg *config.Config) (store.Store, error) {
	primary, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if cfg.FallbackStorePath == "" {
		return primary, nil
	}
	secondary, err := store.OpenJSONFile(cfg.FallbackStorePath)
	if err != nil {
		return nil, fmt.Errorf("opening fallback store: %w", err)
	}
	log.Printf("fallback store enabled at %s", cfg.FallbackStorePath)
	return store.NewFallback(primary, secondary), nil
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
