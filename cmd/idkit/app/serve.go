// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/idkit/pkg/issuer"
	"github.com/stacklok/idkit/pkg/logger"
	"github.com/stacklok/idkit/pkg/provider"
	"github.com/stacklok/idkit/pkg/provider/codeprovider"
	"github.com/stacklok/idkit/pkg/provider/passwordprovider"
	"github.com/stacklok/idkit/pkg/storage"
	"github.com/stacklok/idkit/pkg/storage/dynamostore"
	"github.com/stacklok/idkit/pkg/storage/redisstore"
	"github.com/stacklok/idkit/pkg/storage/sqlstore"
	"github.com/stacklok/idkit/pkg/subject"
)

// shutdownTimeout bounds graceful drain on SIGTERM.
const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the issuer HTTP server",
		Long: `Runs the issuer with email-code and password authentication backed by
the configured storage adapter. Verification codes are written to the log;
wire a real sender before exposing this to users.`,
		RunE: runServe,
	}

	flags := cmd.Flags()
	flags.String("listen", ":8787", "Address to listen on")
	flags.String("issuer", "http://localhost:8787", "External issuer URL")
	flags.String("base-path", "", "Reverse-proxy path prefix")
	flags.String("store", "memory", "Storage backend (memory, sqlite, redis, dynamodb)")
	flags.String("sqlite-dsn", "idkit.db", "SQLite database path")
	flags.String("redis-addr", "localhost:6379", "Redis address")
	flags.String("redis-password", "", "Redis password")
	flags.String("dynamodb-table", "idkit", "DynamoDB table name")
	flags.Duration("access-ttl", 0, "Access token lifetime (0 uses the default)")
	flags.Duration("refresh-ttl", 0, "Refresh token lifetime (0 uses the default)")

	for _, name := range []string{
		"listen", "issuer", "base-path", "store", "sqlite-dsn",
		"redis-addr", "redis-password", "dynamodb-table", "access-ttl", "refresh-ttl",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			// Flags are registered just above; a bind failure is a bug.
			panic(err)
		}
	}
	return cmd
}

// openStorage builds the configured storage adapter.
func openStorage(ctx context.Context) (storage.Adapter, error) {
	backend := viper.GetString("store")
	switch backend {
	case "memory":
		return storage.NewMemoryAdapter(), nil
	case "sqlite":
		return sqlstore.New(ctx, viper.GetString("sqlite-dsn"))
	case "redis":
		return redisstore.New(ctx, redisstore.Config{
			Addr:     viper.GetString("redis-addr"),
			Password: viper.GetString("redis-password"),
		})
	case "dynamodb":
		return dynamostore.New(ctx, dynamostore.Config{
			Table: viper.GetString("dynamodb-table"),
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// logSender writes codes to the log instead of sending email. Development
// only.
func logSender(_ context.Context, email, code string) error {
	logger.Infow("verification code issued", "email", email, "code", code)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	codeAuth, err := codeprovider.New(codeprovider.Config{
		Sender: func(ctx context.Context, claims map[string]string, code string) error {
			return logSender(ctx, claims["email"], code)
		},
	})
	if err != nil {
		return err
	}
	passwordAuth, err := passwordprovider.New(passwordprovider.Config{
		Sender: logSender,
	})
	if err != nil {
		return err
	}

	schemas := subject.Schemas{
		"user": userSchema,
	}

	iss, err := issuer.New(issuer.Config{
		Issuer:     viper.GetString("issuer"),
		BasePath:   viper.GetString("base-path"),
		Storage:    store,
		Subjects:   schemas,
		Providers:  map[string]provider.Provider{"code": codeAuth, "password": passwordAuth},
		Success:    mapSubject,
		AccessTTL:  viper.GetDuration("access-ttl"),
		RefreshTTL: viper.GetDuration("refresh-ttl"),
	})
	if err != nil {
		return fmt.Errorf("failed to assemble issuer: %w", err)
	}

	server := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           iss,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("issuer listening", "addr", server.Addr, "issuer", viper.GetString("issuer"))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}
	return nil
}

// userSchema validates the demo user subject: a property bag with a
// non-empty email.
func userSchema(properties any) (any, error) {
	bag, ok := properties.(map[string]any)
	if !ok {
		return nil, errors.New("properties must be an object")
	}
	email, _ := bag["email"].(string)
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.New("a valid email is required")
	}
	return map[string]any{"email": strings.ToLower(email)}, nil
}

// mapSubject turns provider results into subjects.
func mapSubject(_ context.Context, result provider.Result) (issuer.SubjectRef, error) {
	switch payload := result.Payload.(type) {
	case codeprovider.Payload:
		return issuer.SubjectRef{
			Type:       "user",
			Properties: map[string]any{"email": payload.Claims["email"]},
		}, nil
	case passwordprovider.Payload:
		return issuer.SubjectRef{
			Type:       "user",
			Properties: map[string]any{"email": payload.Email},
		}, nil
	default:
		return issuer.SubjectRef{}, fmt.Errorf("unhandled provider %q", result.Provider)
	}
}
