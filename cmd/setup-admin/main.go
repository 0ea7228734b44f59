package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/directory"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/identity"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/storage"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

// setup-admin creates the first admin of an installation. Running it with the
// credentials of an account that lost its user record restores the record.
// Sessions opened here are signed out again, so any JWT_SECRET will do.
func main() {
	email := flag.String("email", "", "email address of the admin")
	password := flag.String("password", "", "password of the admin account")
	name := flag.String("name", "Admin", "display name of the admin")
	flag.Parse()

	_ = godotenv.Load()

	ctx, logger := logging.NewLogger(context.Background(), "setup-admin", "")

	if *email == "" || *password == "" {
		flag.Usage()
		os.Exit(2)
	}

	var connect storage.ConnectorFunc
	if env.GetVariableOrDefault(logger, "POSTGRES_HOST", "") != "" {
		connect = storage.NewPostgreSQLConnector(logger)
	} else {
		connect = storage.NewSQLiteConnector(logger, env.GetVariableOrDefault(logger, "SQLITE_PATH", "guardian.db"))
	}

	user, err := run(ctx, connect, env.GetVariableOrDefault(logger, "JWT_SECRET", uuid.NewString()), directory.Profile{Email: *email, Name: *name}, *password)
	if err != nil {
		logger.Fatal().Err(err).Str("email", *email).Msg("failed to set up admin")
	}

	logger.Info().Str("userID", user.ID).Str("email", user.Email).Msg("admin ready")
	fmt.Println(user.ID)
}

func run(ctx context.Context, connect storage.ConnectorFunc, secret string, profile directory.Profile, password string) (types.User, error) {
	store, err := storage.New(connect)
	if err != nil {
		return types.User{}, err
	}

	idp, err := identity.New(connect, secret, 0)
	if err != nil {
		return types.User{}, err
	}

	return directory.New(store, idp, nil).AddAdmin(ctx, profile, password)
}
