// cmd/seed promotes an existing identity provider user to the first
// LinkDeal super admin. It refuses to run once a super admin exists.
//
// Usage:
//
//	go run ./cmd/seed -external-id 'auth0|64f...'
//	LINKDEAL_DATABASE_URL=postgres://... go run ./cmd/seed -external-id ...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/jmerrifield20/linkdeal/internal/config"
	"github.com/jmerrifield20/linkdeal/internal/database"
	"github.com/jmerrifield20/linkdeal/internal/idp"
	"github.com/jmerrifield20/linkdeal/internal/users"
)

func main() {
	externalID := flag.String("external-id", "", "provider user id to promote (required)")
	flag.Parse()

	if err := run(*externalID); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run(externalID string) error {
	if externalID == "" {
		return errors.New("-external-id is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := idp.NewClient(cfg.Provider(), logger)
	if err != nil {
		return err
	}
	svc := users.NewService(users.NewRepository(db), database.NewTransactor(db), provider,
		cfg.NewMailer(logger), cfg.Server.FrontendURL, logger)

	u, err := svc.BootstrapSuperAdmin(ctx, externalID)
	if err != nil {
		if errors.Is(err, users.ErrSuperAdminExists) {
			logger.Info("super admin already present, nothing to do")
			return nil
		}
		return err
	}
	logger.Info("seed complete", zap.String("user_id", u.ID.String()), zap.String("email", u.Email))
	return nil
}
