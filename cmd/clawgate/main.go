package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/clawgate/agent"
	"github.com/hrygo/clawgate/bot"
	"github.com/hrygo/clawgate/internal/lockfile"
	"github.com/hrygo/clawgate/internal/profile"
	"github.com/hrygo/clawgate/internal/version"
	"github.com/hrygo/clawgate/memory"
	"github.com/hrygo/clawgate/plugin/imagegen"
	"github.com/hrygo/clawgate/plugin/speech"
	"github.com/hrygo/clawgate/plugin/webhook"
	"github.com/hrygo/clawgate/queue"
	"github.com/hrygo/clawgate/scheduler"
	"github.com/hrygo/clawgate/server"
	"github.com/hrygo/clawgate/store"
	"github.com/hrygo/clawgate/telegram"
)

const (
	decaySweepInterval  = time.Hour
	uploadSweepInterval = 6 * time.Hour
	uploadMaxAge        = 24 * time.Hour
)

var rootCmd = &cobra.Command{
	Use:   "clawgate",
	Short: "A Telegram gateway in front of a Claude Code agent with persistent memory and scheduling.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env for direct binary execution; service managers
		// provide the environment themselves.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		os.Exit(run())
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("data", ".")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of the gateway, "prod" or "dev"`)
	rootCmd.PersistentFlags().String("data", ".", "data directory")

	if err := viper.BindPFlag("mode", rootCmd.PersistentFlags().Lookup("mode")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("data", rootCmd.PersistentFlags().Lookup("data")); err != nil {
		panic(err)
	}

	viper.SetEnvPrefix("clawgate")
	viper.AutomaticEnv()
}

func run() int {
	instanceProfile := &profile.Profile{
		Mode: viper.GetString("mode"),
		Data: viper.GetString("data"),
	}
	instanceProfile.FromEnv()
	instanceProfile.Version = version.GetCurrentVersion(instanceProfile.Mode)

	setupLogging(instanceProfile)

	if err := instanceProfile.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}

	lock, err := lockfile.Acquire(instanceProfile.PIDFile())
	if err != nil {
		slog.Error("could not acquire the singleton lock", "error", err)
		return 1
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("lock release failed", "error", err)
		}
	}()

	storeInstance, err := store.New(instanceProfile.DSN())
	if err != nil {
		slog.Error("failed to open store", "error", err)
		return 1
	}
	store.SetInstance(storeInstance)
	defer func() {
		if err := storeInstance.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}
	}()

	channel, err := telegram.NewChannel(instanceProfile.BotToken)
	if err != nil {
		slog.Error("failed to start the Telegram channel",
			"error", telegram.Redact(err.Error(), instanceProfile.BotToken))
		return 1
	}

	engine, err := agent.NewCLIEngine(instanceProfile.Data, instanceProfile.AgentSystemPrompt)
	if err != nil {
		slog.Error("agent engine unavailable", "error", err)
		return 1
	}
	runner := agent.NewRunner(engine, instanceProfile.AgentTimeout)

	mem := memory.NewCore(storeInstance)
	dispatcher := queue.NewDispatcher(queue.MaxConcurrent)
	limiter := queue.NewRateLimiter()

	opts := bot.Options{
		Hooks: webhook.NewInvoker(instanceProfile.N8NBaseURL, instanceProfile.N8NAPIKey),
		Exit:  os.Exit,
	}
	if instanceProfile.STTEnabled() {
		opts.STT = speech.NewWhisperClient(instanceProfile.OpenAIAPIKey)
	}
	if instanceProfile.TTSEnabled() {
		opts.TTS = speech.NewElevenLabsClient(instanceProfile.ElevenLabsAPIKey, instanceProfile.ElevenLabsVoiceID)
	}
	if instanceProfile.ImageAPIKey != "" {
		opts.Images = imagegen.NewClient(instanceProfile.ImageAPIKey, instanceProfile.ImageModel)
	}

	gateway := bot.New(instanceProfile, storeInstance, mem, dispatcher, limiter, runner, channel, opts)

	sched := scheduler.New(storeInstance, dispatcher, gateway.RunScheduledTask)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	startMaintenance(ctx, instanceProfile, mem)

	var health *server.Health
	if instanceProfile.HealthAddr != "" {
		health = server.NewHealth(instanceProfile.HealthAddr, instanceProfile.Version)
		health.Start()
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := channel.Bot().GetUpdatesChan(updateConfig)

	printGreetings(instanceProfile, channel.Self())

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, terminationSignals...)
		<-c
		slog.Info("shutdown signal received")
		cancel()
	}()

	gateway.Run(ctx, updates)

	// Graceful shutdown: timers die with ctx; stop the scheduler and
	// transport, then close everything in the deferred order. Failures
	// here are logged and ignored.
	sched.Stop()
	channel.Bot().StopReceivingUpdates()
	if health != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		health.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	store.ResetInstance()
	return 0
}

func setupLogging(p *profile.Profile) {
	var handler slog.Handler
	if p.IsDev() {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	slog.SetDefault(slog.New(handler))
}

// startMaintenance runs the decay and upload-cleanup timers until ctx
// is cancelled.
func startMaintenance(ctx context.Context, p *profile.Profile, mem *memory.Core) {
	go func() {
		ticker := time.NewTicker(decaySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mem.DecaySweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(uploadSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cleanUploads(p.UploadsDir(), uploadMaxAge)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// cleanUploads removes downloaded attachments older than maxAge.
func cleanUploads(dir string, maxAge time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("upload cleanup: cannot read directory", "dir", dir, "error", err)
		return
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(dir + string(os.PathSeparator) + entry.Name()); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		slog.Info("upload cleanup", "removed", removed)
	}
}

func printGreetings(p *profile.Profile, botName string) {
	fmt.Printf("clawgate %s started successfully!\n", p.Version)
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Telegram bot: @%s\n", botName)
	fmt.Printf("Allowed chats: %d\n", len(p.AllowedChatIDs))
	if p.HealthAddr != "" {
		fmt.Printf("Health listener: http://%s/healthz\n", p.HealthAddr)
	}
	if p.IsDev() {
		fmt.Fprintln(os.Stderr, "Development mode is enabled")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
