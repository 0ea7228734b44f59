package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/cues"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/directory"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/fallalert"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/liveness"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/monitor"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/session"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/webevents"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/identity"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/localstate"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/mqtt"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/push"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/router"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/storage"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/tracing"
	"github.com/smartstick/guardian-monitor/internal/pkg/presentation/api"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

const serviceName string = "guardian-monitor"

// publisher is satisfied by the rabbitmq messenger. A nil publisher keeps
// domain events local to the process.
type publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type appConfig struct {
	sqlitePath     string
	usePostgres    bool
	redisAddr      string
	redisPassword  string
	redisDB        int
	jwtSecret      string
	sessionTTL     time.Duration
	allowedOrigins []string
}

type app struct {
	handler http.Handler
	store   storage.Store
	alerts  fallalert.Service
	monitor monitor.Service
	events  webevents.WebEvents
}

func (a *app) Stop() {
	a.monitor.Stop()
	a.alerts.Stop()
	a.events.Shutdown()
}

func main() {
	serviceVersion := version()

	// a missing .env file is fine, the environment is used as is
	_ = godotenv.Load()

	ctx, logger := logging.NewLogger(context.Background(), serviceName, serviceVersion)
	logger.Info().Msg("starting up ...")

	cleanup, err := tracing.Init(ctx, logger, serviceName, serviceVersion)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer cleanup()

	cfg := loadConfig(logger)

	policies, err := os.Open(env.GetVariableOrDefault(logger, "POLICIES_FILE", "/opt/guardian/config/authz.rego"))
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to open opa policy file")
	}
	defer policies.Close()

	pushConfig, err := loadPushConfig(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to load push configuration")
	}

	var messenger messaging.MsgContext
	var events publisher

	if env.GetVariableOrDefault(logger, "RABBITMQ_HOST", "") != "" {
		messenger, err = messaging.Initialize(messaging.LoadConfiguration(serviceName, logger))
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init messenger")
		}
		defer messenger.Close()
		events = messenger
	} else {
		logger.Info().Msg("RABBITMQ_HOST not set, domain events stay local")
	}

	a, err := initialize(ctx, cfg, policies, pushConfig, events)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize service")
	}
	defer a.Stop()

	if messenger != nil {
		topic := (&types.AcknowledgeRequested{}).TopicName()
		messenger.RegisterTopicMessageHandler(topic, fallalert.NewAcknowledgeRequestedHandler(a.alerts))
	}

	subscriber := mqtt.New(mqtt.LoadConfig(logger), a.store)
	if err = subscriber.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start mqtt subscriber")
	}
	defer subscriber.Stop()

	port := env.GetVariableOrDefault(logger, "SERVICE_PORT", "8080")
	logger.Info().Str("port", port).Msg("starting to listen for connections")

	err = http.ListenAndServe(":"+port, a.handler)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start request router")
	}
}

func loadConfig(log zerolog.Logger) appConfig {
	redisDB, err := strconv.Atoi(env.GetVariableOrDefault(log, "REDIS_DB", "0"))
	if err != nil {
		log.Warn().Err(err).Msg("invalid REDIS_DB, using 0")
	}

	ttl, err := time.ParseDuration(env.GetVariableOrDefault(log, "SESSION_LIFETIME", identity.DefaultSessionLifetime.String()))
	if err != nil {
		log.Warn().Err(err).Msg("invalid SESSION_LIFETIME, using default")
		ttl = identity.DefaultSessionLifetime
	}

	secret := env.GetVariableOrDefault(log, "JWT_SECRET", "")
	if secret == "" {
		log.Fatal().Msg("JWT_SECRET must be set")
	}

	var origins []string
	if o := env.GetVariableOrDefault(log, "CORS_ALLOWED_ORIGINS", ""); o != "" {
		origins = strings.Split(o, ",")
	}

	return appConfig{
		sqlitePath:     env.GetVariableOrDefault(log, "SQLITE_PATH", "guardian.db"),
		usePostgres:    env.GetVariableOrDefault(log, "POSTGRES_HOST", "") != "",
		redisAddr:      env.GetVariableOrDefault(log, "REDIS_ADDR", ""),
		redisPassword:  env.GetVariableOrDefault(log, "REDIS_PASSWORD", ""),
		redisDB:        redisDB,
		jwtSecret:      secret,
		sessionTTL:     ttl,
		allowedOrigins: origins,
	}
}

func loadPushConfig(log zerolog.Logger) (*push.Config, error) {
	path := env.GetVariableOrDefault(log, "CONFIG_FILE", "/opt/guardian/config/notifications.yaml")

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("no notification config, push subscribers disabled")
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	return push.LoadConfiguration(f)
}

func initialize(ctx context.Context, cfg appConfig, policies io.Reader, pushConfig *push.Config, events publisher) (*app, error) {
	logger := logging.GetLoggerFromContext(ctx)

	var connect storage.ConnectorFunc
	if cfg.usePostgres {
		connect = storage.NewPostgreSQLConnector(logger)
	} else {
		connect = storage.NewSQLiteConnector(logger, cfg.sqlitePath)
	}

	store, err := storage.New(connect)
	if err != nil {
		return nil, fmt.Errorf("could not open device store: %w", err)
	}

	idp, err := identity.New(connect, cfg.jwtSecret, cfg.sessionTTL)
	if err != nil {
		return nil, fmt.Errorf("could not create identity provider: %w", err)
	}

	tokens, err := push.NewRegistry(connect)
	if err != nil {
		return nil, fmt.Errorf("could not create push token registry: %w", err)
	}

	notifier, err := push.New(ctx, pushConfig, tokens)
	if err != nil {
		return nil, fmt.Errorf("could not create push sender: %w", err)
	}

	var state localstate.Store
	if cfg.redisAddr != "" {
		state = localstate.NewRedisStore(cfg.redisAddr, cfg.redisPassword, cfg.redisDB)
	} else {
		logger.Info().Msg("REDIS_ADDR not set, sessions and acknowledgements are kept in memory")
		state = localstate.NewMemoryStore()
	}

	dir := directory.New(store, idp, events)
	webEvents := webevents.New(api.EventChannel)
	alerts := fallalert.New(ctx, fallalert.SystemClock(), cues.New(webEvents, notifier), dir, state, events)

	mon := monitor.New(store, liveness.New(), alerts, webEvents)
	mon.Start(ctx)

	r, err := api.RegisterHandlers(ctx, router.New(ctx, serviceName, cfg.allowedOrigins...), policies, api.Services{
		Sessions:  session.New(ctx, idp, store, state),
		Directory: dir,
		Monitor:   mon,
		Alerts:    alerts,
		Tokens:    tokens,
		Events:    webEvents,
	})
	if err != nil {
		mon.Stop()
		alerts.Stop()
		webEvents.Shutdown()
		return nil, err
	}

	return &app{handler: r, store: store, alerts: alerts, monitor: mon, events: webEvents}, nil
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	buildSettings := buildInfo.Settings
	infoMap := map[string]string{}
	for _, s := range buildSettings {
		infoMap[s.Key] = s.Value
	}

	sha := infoMap["vcs.revision"]
	if infoMap["vcs.modified"] == "true" {
		sha += "+"
	}

	return sha
}
