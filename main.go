package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairchat/internal/api"
	"pairchat/internal/auth"
	"pairchat/internal/chat"
	"pairchat/internal/commands"
	"pairchat/internal/config"
	"pairchat/internal/filestore"
	"pairchat/internal/http"
	"pairchat/internal/ledger"
	"pairchat/internal/live"
	"pairchat/internal/media"
	"pairchat/internal/metrics"
	"pairchat/internal/presence"
	"pairchat/internal/push"
	"pairchat/internal/ratelimit"
	"pairchat/internal/storage"
	"pairchat/internal/users"
	"pairchat/internal/ws"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("pairchat", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Email of the user to create (prints a random password)")
	displayName := flags.String("display-name", "", "Display name for -add-user")
	genVAPID := flags.Bool("gen-vapid", false, "Print a new VAPID key pair for web push and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *genVAPID {
		return commands.GenerateVAPIDKeys()
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(*addUser, *displayName, cfg)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	broker := live.NewBroker(m)

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile, storage.WithPublisher(broker))
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authConfig := auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	}
	authService, err := auth.NewAuthService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}

	directory := users.NewDirectory(ctx, bbStorage, broker, cfg.UserCacheTTL)
	tracker := presence.NewTracker(bbStorage, broker)
	if err := tracker.Reset(ctx); err != nil {
		return err
	}
	conversations := ledger.New(bbStorage, broker)

	pushConfig := push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
	}
	notifier := push.NewNotifier(pushConfig, bbStorage, tracker, directory, m)
	if !pushConfig.Enabled() {
		log.Println("Web push disabled: VAPID keys are not configured")
	}

	channel := chat.New(chat.Config{
		Store:    bbStorage,
		Broker:   broker,
		Ledger:   conversations,
		Notifier: notifier,
		Metrics:  m,
	})

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}
	ingest := media.New(media.Config{
		Files:    files,
		Metadata: bbStorage,
		MaxBytes: cfg.MaxUploadBytes,
		Metrics:  m,
	})

	hub := ws.NewHub(ws.Config{
		Chat:            channel,
		Ledger:          conversations,
		Presence:        tracker,
		Users:           directory,
		Limiter:         ratelimit.New(cfg.SendRate, cfg.SendBurst, 0),
		Metrics:         m,
		PageSize:        cfg.PageSize,
		SendSettleDelay: cfg.SendSettleDelay,
		PongWait:        cfg.WSPongWait,
	})

	apiConfig := api.Config{
		Auth:     authService,
		Users:    directory,
		Ledger:   conversations,
		Presence: tracker,
		Chat:     channel,
		Media:    ingest,
		Files:    files,
		Metadata: bbStorage,
		Push:     notifier,
		Hub:      hub,
	}
	if pushConfig.Enabled() {
		apiConfig.PushKey = cfg.VAPIDPublicKey
	}

	g, gCtx := errgroup.WithContext(ctx)

	adminServer := http.NewAdminServer(authService, reg, cfg.AdminAddr)
	apiServer := http.NewAPIServer(gCtx, api.New(apiConfig), ws.NewServer(authService, hub), cfg.APIAddr)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return notifier.Run(gCtx)
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		if err := hub.Wait(shutdownCtx); err != nil {
			log.Printf("Websocket connections did not finish: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
