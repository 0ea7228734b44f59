package main

import (
	"context"
	"errors"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/directory"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/identity"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/storage"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

func TestCreatesAdmin(t *testing.T) {
	is := is.New(t)
	connect := storage.NewSQLiteConnector(zerolog.Nop(), "")

	user, err := run(context.Background(), connect, "secret", directory.Profile{Email: "Root@X.com"}, "adminpw")
	is.NoErr(err)
	is.Equal(user.Role, types.RoleAdmin)
	is.Equal(user.Email, "root@x.com")

	_, err = run(context.Background(), connect, "secret", directory.Profile{Email: "root@x.com"}, "adminpw")
	is.True(errors.Is(err, directory.ErrDuplicateEmail))
}

func TestRestoresRecordOfOrphanedAccount(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	connect := storage.NewSQLiteConnector(zerolog.Nop(), "")

	idp, err := identity.New(connect, "secret", 0)
	is.NoErr(err)
	account, err := idp.CreateAccount(ctx, "orphan@x.com", "adminpw")
	is.NoErr(err)

	user, err := run(ctx, connect, "secret", directory.Profile{Email: "orphan@x.com"}, "adminpw")
	is.NoErr(err)
	is.Equal(user.ID, account.ID)

	_, err = run(ctx, connect, "secret", directory.Profile{Email: "other@x.com"}, "")
	is.True(err != nil)
}
