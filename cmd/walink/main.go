package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sipeed/walink/pkg/bus"
	"github.com/sipeed/walink/pkg/channels"
	"github.com/sipeed/walink/pkg/config"
	"github.com/sipeed/walink/pkg/dashboard"
	"github.com/sipeed/walink/pkg/logger"
	"github.com/sipeed/walink/pkg/media"
	"github.com/sipeed/walink/pkg/metrics"
	"github.com/sipeed/walink/pkg/qrcode"
	"github.com/sipeed/walink/pkg/storage"
	"github.com/sipeed/walink/pkg/storage/repository"
	"github.com/sipeed/walink/pkg/wa"
)

var version = "dev"

func main() {
	cmd := "run"
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		runCommand(false)
	case "console":
		runCommand(true)
	case "logout":
		logoutCommand()
	case "migrate":
		migrateDataCommand()
	case "version", "--version", "-v":
		fmt.Printf("walink %s\n", version)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("walink - WhatsApp connection manager")
	fmt.Println()
	fmt.Println("Usage: walink <command> [--config path]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run        Connect and stream events until interrupted (default)")
	fmt.Println("  console    Connect with an interactive console for sending messages")
	fmt.Println("  logout     Delete the stored session so the next run pairs again")
	fmt.Println("  migrate    Copy stored messages between storage backends")
	fmt.Println("  version    Show version")
}

// getConfigPath honours --config, then WALINK_CONFIG, then the default.
func getConfigPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	if p := strings.TrimSpace(os.Getenv("WALINK_CONFIG")); p != "" {
		return p
	}
	return config.DefaultConfigPath()
}

func loadConfig() *config.Config {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	return cfg
}

func runCommand(interactive bool) {
	cfg := loadConfig()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, interactive); err != nil {
		logger.ErrorCF("main", "walink stopped with error", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, interactive bool) error {
	metrics.RegisterMetrics()

	store, err := storage.NewStorage(cfg.StorageOptions())
	if err != nil {
		return err
	}
	if err := store.Connect(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	msgBus := bus.NewMessageBus()
	defer msgBus.Close()

	fetcher := media.NewFetcher(cfg.Media.TempDir, time.Duration(cfg.Media.DownloadTimeout)*time.Second)
	ffmpeg := media.NewFFmpeg(cfg.Media.FFmpegPath, fetcher)
	if err := startJanitors(ctx, cfg, fetcher, store.Messages()); err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	var con *console
	if interactive {
		con, err = newConsole()
		if err != nil {
			return err
		}
		defer con.Close()
		out = con.Stdout()
		logger.SetOutput(out)
		defer logger.SetOutput(os.Stderr)
	}

	opts := cfg.ManagerOptions()
	manager := wa.NewManager(opts, wa.Deps{
		Credentials:  channels.NewSQLCredentialStore(),
		NewTransport: channels.NewWhatsAppTransport,
		Messages:     store.Messages(),
		QR:           qrcode.NewRenderer(out),
		Events:       msgBus,
	})
	dispatcher := wa.NewDispatcher(manager, wa.DispatcherOptions{
		GIFPlayback: opts.GIFPlayback,
		Media:       fetcher,
		Transcoder:  ffmpeg,
		Stickers:    ffmpeg,
		Messages:    store.Messages(),
	})

	if cfg.Dashboard.Enabled {
		token, err := cfg.ResolveDashboardToken(filepath.Dir(getConfigPath()))
		if err != nil {
			return fmt.Errorf("dashboard token: %w", err)
		}
		srv := dashboard.NewServer(cfg, manager, dispatcher, store.Messages(), msgBus)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop()
		fmt.Fprintf(out, "Dashboard: http://%s (token %s)\n", cfg.DashboardAddr(), config.MaskSecret(token))
	}

	if con != nil {
		msgBus.On(bus.EventMessage, con.remember)
	}
	go printEvents(ctx, msgBus, out)

	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	if con != nil {
		con.bind(dispatcher, manager)
		return con.Run(ctx)
	}

	<-ctx.Done()
	return nil
}

// startJanitors schedules temp media cleanup and, when a retention is set,
// pruning of old stored messages.
func startJanitors(ctx context.Context, cfg *config.Config, fetcher *media.Fetcher, messages repository.MessageRepository) error {
	tmp, err := media.NewJanitor(cfg.Media.CleanupSchedule, fetcher)
	if err != nil {
		return err
	}
	go tmp.Run(ctx)

	if retention := cfg.Retention(); retention > 0 {
		prune, err := media.NewJanitor(cfg.Media.CleanupSchedule, &messagePruner{repo: messages, retention: retention})
		if err != nil {
			return err
		}
		prune.Name = "messages"
		go prune.Run(ctx)
	}
	return nil
}

type messagePruner struct {
	repo      repository.MessageRepository
	retention time.Duration
}

func (p *messagePruner) Clean() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := p.repo.Prune(ctx, time.Now().Add(-p.retention))
	return int(n), err
}

func logoutCommand() {
	cfg := loadConfig()
	dir := cfg.ManagerOptions().SessionDir()
	if err := channels.NewSQLCredentialStore().Remove(dir); err != nil {
		fmt.Printf("Error removing session: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Session %s removed. The next run will ask to pair again.\n", dir)
}
