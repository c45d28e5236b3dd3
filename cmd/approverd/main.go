// Command approverd runs the email approval service: it accepts draft
// submissions over HTTP, emails them to an approver, watches the approver's
// mailbox for replies, and dispatches approved emails to their final
// recipients.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nhle/email-approver/internal/approval"
	"github.com/nhle/email-approver/internal/credential"
	"github.com/nhle/email-approver/internal/gateway"
	"github.com/nhle/email-approver/internal/logging"
	"github.com/nhle/email-approver/internal/mailbox"
	"github.com/nhle/email-approver/internal/model"
	"github.com/nhle/email-approver/internal/poll"
	"github.com/nhle/email-approver/internal/store"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to config file")
	flag.Parse()

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	resolveSecrets(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Error("opening store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	sender := mailbox.NewSMTPSender(cfg.SMTP)
	imapClient := mailbox.NewIMAPClient(cfg.Mailbox)

	dispatcher := approval.NewDispatcher(st, approval.DraftRenderer{}, sender, logger)
	coordinator := approval.NewCoordinator(st, dispatcher, logger)
	workflow := approval.NewWorkflow(st, sender, cfg.Approval.ApproverEmail, logger)

	poller := poll.New(
		st,
		imapClient,
		coordinator,
		cfg.Approval.ApproverEmail,
		cfg.Mailbox.Folder,
		time.Duration(cfg.Approval.PollIntervalSec)*time.Second,
		logger,
	)
	poller.Start()

	server := gateway.New(cfg.Server.Addr, st, workflow, coordinator, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("approverd started",
		slog.String("approver", cfg.Approval.ApproverEmail),
		slog.String("addr", cfg.Server.Addr),
		slog.Int("poll_interval_sec", cfg.Approval.PollIntervalSec),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("gateway failed", slog.Any("error", err))
	}

	// Let the in-flight poll cycle finish so classified events are not
	// dropped, then drain the HTTP server.
	poller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("gateway shutdown", slog.Any("error", err))
	}
}

// resolveSecrets fills in passwords left blank in the config file from the
// system keyring. Missing keyring entries are not fatal; the IMAP or SMTP
// login will fail with a clear error instead.
func resolveSecrets(cfg *model.AppConfig) {
	if cfg.Mailbox.Password == "" && cfg.Mailbox.Host != "" {
		pw, err := credential.Get(credential.KeyMailboxPassword)
		if err == nil {
			cfg.Mailbox.Password = pw
		}
	}
	if cfg.SMTP.Password == "" && cfg.SMTP.Host != "" {
		pw, err := credential.Get(credential.KeySMTPPassword)
		if err == nil {
			cfg.SMTP.Password = pw
		}
	}
}
