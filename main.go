package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"

	"github.com/inboxpilot/mailcal/internal/api"
	"github.com/inboxpilot/mailcal/internal/auth"
	calgoogle "github.com/inboxpilot/mailcal/internal/calendar/google"
	"github.com/inboxpilot/mailcal/internal/config"
	"github.com/inboxpilot/mailcal/internal/crypto"
	"github.com/inboxpilot/mailcal/internal/extract"
	"github.com/inboxpilot/mailcal/internal/logging"
	mailgmail "github.com/inboxpilot/mailcal/internal/mailbox/gmail"
	"github.com/inboxpilot/mailcal/internal/mailbox/outlook"
	"github.com/inboxpilot/mailcal/internal/notify"
	"github.com/inboxpilot/mailcal/internal/store"
	"github.com/inboxpilot/mailcal/internal/sync"
	"github.com/inboxpilot/mailcal/internal/tokens"
)

// defaultInterests seeds the catalog on first start so new users have
// something to subscribe to.
var defaultInterests = map[string][]string{
	"technology": {"hackathons", "workshops", "robotics", "ai"},
	"culture":    {"music", "dance", "theatre"},
	"sports":     {"cricket", "football", "athletics"},
	"career":     {"internships", "placements", "guest lectures"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	seedInterests(ctx, db, log)

	var cipher *crypto.TokenCipher
	if cfg.TokenEncryptionKey != "" {
		cipher, err = crypto.NewTokenCipher(cfg.TokenEncryptionKey)
		if err != nil {
			log.Error("invalid token encryption key", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("TOKEN_ENCRYPTION_KEY not set, storing tokens unencrypted")
	}

	oauthConf := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			"openid",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
			gmail.GmailReadonlyScope,
			calendar.CalendarEventsScope,
		},
	}

	tok := tokens.New(db, cipher, oauthConf, log)

	mailboxFactory := mailgmail.Factory(cfg.SyncMaxResults)
	source := "gmail"
	if cfg.MailProvider == "outlook" {
		if cfg.OutlookUserID == "" {
			log.Error("MAIL_PROVIDER=outlook requires OUTLOOK_USER_ID")
			os.Exit(1)
		}
		mailboxFactory = outlook.Factory(cfg.OutlookUserID, int32(cfg.SyncMaxResults))
		source = "outlook"
	}

	engine := &sync.Engine{
		Store:     db,
		Tokens:    tok,
		Mailbox:   mailboxFactory,
		Calendar:  calgoogle.Factory(cfg.ReminderMinutes),
		Extractor: extract.New(),
		Log:       log,
		Source:    source,
	}

	if cfg.NATSURL != "" {
		publisher, err := notify.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Error("failed to connect to NATS", "url", cfg.NATSURL, "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure NATS stream", "error", err)
			os.Exit(1)
		}
		engine.Notifier = publisher
	}

	orch := sync.NewOrchestrator(engine, db, cfg.SyncInterval, log)
	go orch.Run(ctx)

	verifier, err := auth.NewVerifier(cfg.JWKSURL)
	if err != nil {
		log.Error("failed to initialize JWT verifier", "jwks_url", cfg.JWKSURL, "error", err)
		os.Exit(1)
	}

	oauthHandler := auth.NewOAuthHandler(oauthConf, db, tok, log)
	router := api.NewRouter(db, orch, oauthHandler, auth.Middleware(verifier), log)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.Info("http server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}
	log.Info("shutdown complete")
}

func seedInterests(ctx context.Context, db *store.Store, log *slog.Logger) {
	for category, children := range defaultInterests {
		for _, child := range children {
			if err := db.SeedInterest(ctx, category, child); err != nil {
				log.Warn("failed to seed interest", "category", category, "child", child, "error", err)
			}
		}
	}
}
