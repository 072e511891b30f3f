// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// mailgate: command line companion of the mail gateway service.
//
// Usage:
//
//	mailgate post --url http://localhost:8080 --model helpdesk.ticket < message.eml
//	mailgate backfill --server support --since 720h
//	mailgate vapid-keys
//	mailgate bus-token --partner 42
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcem/mailgate/internal/bus"
	"github.com/bcem/mailgate/internal/config"
	"github.com/bcem/mailgate/internal/fetchmail"
	"github.com/bcem/mailgate/internal/gateway"
	"github.com/bcem/mailgate/internal/push"
	"github.com/bcem/mailgate/internal/router"
)

var version = "dev"

// Exit codes understood by MTAs delivering through a pipe (sysexits.h).
const (
	exitDataErr  = 65
	exitNoUser   = 67
	exitTempFail = 75
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "mailgate",
	Short: "Mail gateway command line tool",
	Long: `mailgate talks to a running mail gateway and manages its keys.

Use "post" as an MTA pipe transport, "backfill" to import historical mail
from the configured IMAP mailboxes.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	urlFlag   string
	tokenFlag string
)

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Read one message from stdin and post it to the gateway",
	Long: `Post reads an RFC-2822 message from stdin and hands it to the gateway.

The exit status follows sysexits so an MTA can decide between bouncing and
retrying: 67 when no route exists, 65 for refused input and 75 for
temporary failures.`,
	RunE: runPost,
}

var (
	modelFlag    string
	threadIDFlag int64
	strictFlag   bool
	stripFlag    bool
	originalFlag bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Import historical mail from the configured IMAP mailboxes",
	RunE:  runBackfill,
}

var (
	serversFlag []string
	sinceFlag   time.Duration
)

var vapidCmd = &cobra.Command{
	Use:   "vapid-keys",
	Short: "Generate a VAPID key pair for web push",
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
		return nil
	},
}

var busTokenCmd = &cobra.Command{
	Use:   "bus-token",
	Short: "Issue a bus session token for a partner",
	RunE:  runBusToken,
}

var (
	partnerFlag int64
	ttlFlag     time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&urlFlag, "url", envOr("MAILGATE_URL", "http://localhost:8080"), "Gateway base URL")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", os.Getenv("GATEWAY_TOKEN"), "Gateway bearer token")

	postCmd.Flags().StringVar(&modelFlag, "model", "", "Fallback model for unroutable mail")
	postCmd.Flags().Int64Var(&threadIDFlag, "thread-id", 0, "Post onto this existing thread of --model")
	postCmd.Flags().BoolVar(&strictFlag, "strict", false, "Refuse mail whose route fails validation")
	postCmd.Flags().BoolVar(&stripFlag, "strip-attachments", false, "Drop attachments")
	postCmd.Flags().BoolVar(&originalFlag, "save-original", false, "Keep the original message as an attachment")

	backfillCmd.Flags().StringSliceVar(&serversFlag, "server", nil, "Fetchmail servers to backfill (default all)")
	backfillCmd.Flags().DurationVar(&sinceFlag, "since", 168*time.Hour, "Lookback window")

	busTokenCmd.Flags().Int64Var(&partnerFlag, "partner", 0, "Partner id (required)")
	busTokenCmd.Flags().DurationVar(&ttlFlag, "ttl", 24*time.Hour, "Token lifetime")
	busTokenCmd.MarkFlagRequired("partner")

	rootCmd.AddCommand(postCmd, backfillCmd, vapidCmd, busTokenCmd)
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mailgate:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func runPost(cmd *cobra.Command, args []string) error {
	raw, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return &exitError{code: exitTempFail, err: fmt.Errorf("read message: %w", err)}
	}

	client := gateway.NewClient(urlFlag, tokenFlag)
	res, err := client.Process(cmd.Context(), raw, gateway.Options{
		Model:            modelFlag,
		ThreadID:         threadIDFlag,
		StripAttachments: stripFlag,
		SaveOriginal:     originalFlag,
		Strict:           strictFlag,
	})
	if err != nil {
		return &exitError{code: exitCode(err), err: err}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d\n", res.MessageID, res.Outcome, res.ThreadID())
	return nil
}

func exitCode(err error) int {
	var warning *router.RouteWarning
	switch {
	case errors.Is(err, router.ErrNoRoute):
		return exitNoUser
	case errors.Is(err, gateway.ErrBadInput), errors.As(err, &warning):
		return exitDataErr
	default:
		return exitTempFail
	}
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	var all []fetchmail.Server
	for _, fc := range cfg.Fetchmail {
		all = append(all, fetchmail.ServerFromConfig(fc))
	}
	servers := all
	if len(serversFlag) > 0 {
		servers = nil
		for _, name := range serversFlag {
			srv, err := fetchmail.FindServer(all, name)
			if err != nil {
				return err
			}
			servers = append(servers, srv)
		}
	}
	if len(servers) == 0 {
		return errors.New("no fetchmail servers configured")
	}

	token := tokenFlag
	if token == "" {
		token = cfg.GatewayToken
	}
	fetcher := fetchmail.NewFetcher(fetchmail.NewIMAPDialer(), gateway.NewClient(urlFlag, token))
	result, err := fetcher.Backfill(cmd.Context(), fetchmail.BackfillRequest{
		Servers: servers,
		Since:   sinceFlag,
	})
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	for _, rr := range result.Servers {
		slog.Info("server result",
			"server", rr.Server,
			"processed", rr.Processed,
			"skipped", rr.Skipped,
			"errors", rr.Errors,
		)
	}
	return nil
}

func runBusToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cfg.BusSecret == "" {
		return errors.New("bus secret is not configured")
	}
	token, err := bus.NewHub(cfg.BusSecret).IssueToken(partnerFlag, ttlFlag)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
