package storage

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectorFunc opens the database. Every call returns the same handle.
type ConnectorFunc func() (*gorm.DB, zerolog.Logger, error)

// NewSQLiteConnector connects to the sqlite database at path. An empty path
// gives a private in-memory database.
func NewSQLiteConnector(log zerolog.Logger, path string) ConnectorFunc {
	dsn := path
	if dsn == "" {
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	}

	return once(func() (*gorm.DB, zerolog.Logger, error) {
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:          logger.Default.LogMode(logger.Silent),
			CreateBatchSize: 1000,
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
			sqldb, _ := db.DB()
			sqldb.SetMaxOpenConns(1)
		}

		return db, log, err
	})
}

func NewPostgreSQLConnector(log zerolog.Logger) ConnectorFunc {
	dbHost := os.Getenv("POSTGRES_HOST")
	username := os.Getenv("POSTGRES_USER")
	dbName := env.GetVariableOrDefault(log, "POSTGRES_DBNAME", "guardian")
	password := os.Getenv("POSTGRES_PASSWORD")
	sslMode := env.GetVariableOrDefault(log, "POSTGRES_SSLMODE", "disable")

	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", dbHost, username, dbName, sslMode, password)

	return once(func() (*gorm.DB, zerolog.Logger, error) {
		sublogger := log.With().Str("host", dbHost).Str("database", dbName).Logger()

		for {
			sublogger.Info().Msg("connecting to database host")

			db, err := gorm.Open(postgres.Open(dbURI), &gorm.Config{
				Logger: logger.New(
					&sublogger,
					logger.Config{
						SlowThreshold:             time.Second,
						LogLevel:                  logger.Warn,
						IgnoreRecordNotFoundError: true,
						Colorful:                  false,
					},
				),
			})
			if err != nil {
				sublogger.Error().Err(err).Msg("failed to connect to database")
				time.Sleep(3 * time.Second)
			} else {
				return db, sublogger, nil
			}
		}
	})
}

func once(connect ConnectorFunc) ConnectorFunc {
	var (
		mu  sync.Mutex
		db  *gorm.DB
		log zerolog.Logger
	)

	return func() (*gorm.DB, zerolog.Logger, error) {
		mu.Lock()
		defer mu.Unlock()

		if db != nil {
			return db, log, nil
		}

		d, l, err := connect()
		if err != nil {
			return nil, l, err
		}

		db, log = d, l
		return db, log, nil
	}
}
