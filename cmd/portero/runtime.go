package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidahmann/portero/core/accesslog"
	"github.com/davidahmann/portero/core/actuate"
	"github.com/davidahmann/portero/core/checkpoint"
	"github.com/davidahmann/portero/core/config"
	"github.com/davidahmann/portero/core/directory"
	"github.com/davidahmann/portero/core/engine"
	porterrors "github.com/davidahmann/portero/core/errors"
	"github.com/davidahmann/portero/core/identify"
	"github.com/davidahmann/portero/core/notify"
	"github.com/davidahmann/portero/core/ports"
	"github.com/davidahmann/portero/core/schema/v1/access"
	"github.com/davidahmann/portero/core/session"
	"github.com/davidahmann/portero/core/store"
	"github.com/davidahmann/portero/core/telemetry"
)

// runtime holds every wired dependency of a serving process.
type runtime struct {
	config  config.Config
	logger  *slog.Logger
	store   checkpoint.Store
	inbox   *notify.Inbox
	lark    *notify.Lark
	hub     *session.Hub
	engine  *engine.Engine
	pools   map[string]*pgxpool.Pool
	closers []func()
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path, true)
	if err != nil {
		return config.Config{}, invalidConfig(err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Config{}, invalidConfig(err)
	}
	return cfg, nil
}

func invalidConfig(err error) error {
	return porterrors.Wrap(err, porterrors.CategoryInvalidInput, "config_invalid", "fix the config file or PORTERO_* variables and retry", false)
}

func missingSecret(envName, code string) error {
	return porterrors.Wrap(fmt.Errorf("%s is not set", envName), porterrors.CategoryPortUnavailable, code, "export "+envName+" and retry", false)
}

func newRuntime(cfg config.Config, logger *slog.Logger) *runtime {
	return &runtime{config: cfg, logger: logger, pools: map[string]*pgxpool.Pool{}}
}

// Close releases connections in reverse order of opening.
func (r *runtime) Close() {
	for index := len(r.closers) - 1; index >= 0; index-- {
		r.closers[index]()
	}
	r.closers = nil
}

func (r *runtime) postgres(ctx context.Context, dsnEnv string) (*pgxpool.Pool, error) {
	dsn := config.Secret(dsnEnv)
	if dsn == "" {
		return nil, missingSecret(dsnEnv, "postgres_dsn_missing")
	}
	if pool, ok := r.pools[dsn]; ok {
		return pool, nil
	}
	pool, err := store.NewPostgresPool(ctx, dsn)
	if err != nil {
		return nil, porterrors.Unavailable(err, "postgres_connect")
	}
	r.pools[dsn] = pool
	r.closers = append(r.closers, pool.Close)
	return pool, nil
}

func (r *runtime) openStore(ctx context.Context) (checkpoint.Store, error) {
	settings := r.config.Checkpoint
	switch settings.Backend {
	case config.BackendMemory:
		return checkpoint.NewMemoryStore(), nil
	case config.BackendFile:
		fileStore, err := checkpoint.NewFileStore(settings.Dir)
		if err != nil {
			return nil, porterrors.Wrap(err, porterrors.CategoryIOFailure, "checkpoint_dir", "check checkpoint.dir permissions", false)
		}
		return fileStore, nil
	case config.BackendRedis:
		url := config.Secret(settings.RedisURLEnv)
		if url == "" {
			return nil, missingSecret(settings.RedisURLEnv, "redis_url_missing")
		}
		client, err := store.NewRedis(ctx, url)
		if err != nil {
			return nil, porterrors.Unavailable(err, "redis_connect")
		}
		r.closers = append(r.closers, func() { _ = client.Close() })
		return checkpoint.NewRedisStore(client, settings.RedisPrefix), nil
	case config.BackendPostgres:
		pool, err := r.postgres(ctx, settings.PostgresDSNEnv)
		if err != nil {
			return nil, err
		}
		pgStore := checkpoint.NewPostgresStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return nil, porterrors.Unavailable(err, "checkpoint_schema")
		}
		return pgStore, nil
	default:
		return nil, invalidConfig(fmt.Errorf("unsupported checkpoint.backend %q", settings.Backend))
	}
}

func (r *runtime) openAccessLog(ctx context.Context) (accesslog.Sink, error) {
	settings := r.config.AccessLog
	var primary accesslog.Sink
	switch settings.Backend {
	case config.BackendJSONL:
		primary = accesslog.NewJSONLSink(settings.Path)
	case config.BackendPostgres:
		pool, err := r.postgres(ctx, settings.PostgresDSNEnv)
		if err != nil {
			return nil, err
		}
		sink := accesslog.NewPostgresSink(pool)
		if err := sink.EnsureSchema(ctx); err != nil {
			return nil, porterrors.Unavailable(err, "access_log_schema")
		}
		primary = sink
	default:
		return nil, invalidConfig(fmt.Errorf("unsupported access_log.backend %q", settings.Backend))
	}
	chain := accesslog.Chain{Primary: primary, Logger: r.logger}
	if len(settings.Kafka.Brokers) > 0 {
		mirror, err := accesslog.NewKafkaMirror(accesslog.KafkaConfig{Brokers: settings.Kafka.Brokers, Topic: settings.Kafka.Topic})
		if err != nil {
			return nil, invalidConfig(err)
		}
		r.closers = append(r.closers, func() { _ = mirror.Close() })
		chain.Mirrors = append(chain.Mirrors, mirror)
	}
	return chain, nil
}

func (r *runtime) openDirectory(ctx context.Context) (ports.Directory, error) {
	settings := r.config.Ports.Directory
	switch settings.Backend {
	case config.BackendStatic:
		static, err := directory.LoadStatic(settings.FixturePath)
		if err != nil {
			return nil, invalidConfig(err)
		}
		return static, nil
	case config.BackendPostgres:
		pool, err := r.postgres(ctx, settings.PostgresDSNEnv)
		if err != nil {
			return nil, err
		}
		pgDirectory := directory.NewPostgres(pool)
		if err := pgDirectory.EnsureSchema(ctx); err != nil {
			return nil, porterrors.Unavailable(err, "directory_schema")
		}
		return pgDirectory, nil
	default:
		return nil, invalidConfig(fmt.Errorf("unsupported ports.directory.backend %q", settings.Backend))
	}
}

func (r *runtime) openNotifier(client *http.Client) (ports.Notifier, error) {
	settings := r.config.Ports.Notifier
	switch settings.Mode {
	case config.NotifierInbox:
		return notify.NewInboxNotifier(r.inbox), nil
	case config.NotifierWebhook:
		webhook, err := notify.NewWebhook(settings.WebhookURL, config.Secret(settings.WebhookTokenEnv), r.inbox, client)
		if err != nil {
			return nil, invalidConfig(err)
		}
		return webhook, nil
	case config.NotifierLark:
		appID := config.Secret(settings.LarkAppIDEnv)
		if appID == "" {
			return nil, missingSecret(settings.LarkAppIDEnv, "lark_app_id_missing")
		}
		secret := config.Secret(settings.LarkAppSecretEnv)
		if secret == "" {
			return nil, missingSecret(settings.LarkAppSecretEnv, "lark_app_secret_missing")
		}
		larkNotifier, err := notify.NewLark(appID, secret, settings.LarkReceiveType, r.inbox)
		if err != nil {
			return nil, invalidConfig(err)
		}
		r.lark = larkNotifier
		return larkNotifier, nil
	default:
		return nil, invalidConfig(fmt.Errorf("unsupported ports.notifier.mode %q", settings.Mode))
	}
}

func (r *runtime) openIdentifier(client *http.Client) (ports.Identifier, error) {
	endpoint := r.config.Ports.OCR
	if endpoint.URL == "" {
		printWarning("ports.ocr.url is empty; plate and document captures will be unavailable")
		return unconfigured{name: "ocr"}, nil
	}
	identifier, err := identify.NewHTTP(endpoint.URL, config.Secret(endpoint.TokenEnv), client)
	if err != nil {
		return nil, invalidConfig(err)
	}
	return identifier, nil
}

func (r *runtime) openActuator(client *http.Client) (ports.Actuator, error) {
	endpoint := r.config.Ports.Relay
	if endpoint.URL == "" {
		printWarning("ports.relay.url is empty; granted calls will end with a gate error")
		return unconfigured{name: "relay"}, nil
	}
	relay, err := actuate.NewRelay(endpoint.URL, config.Secret(endpoint.TokenEnv), client)
	if err != nil {
		return nil, invalidConfig(err)
	}
	return relay, nil
}

// open wires every port, sink and store for serving.
func (r *runtime) open(ctx context.Context) error {
	settings, err := engine.SettingsFromConfig(r.config)
	if err != nil {
		return invalidConfig(err)
	}
	client := telemetry.InstrumentClient(&http.Client{Timeout: 10 * time.Second})
	r.inbox = notify.NewInbox()
	r.hub = session.NewHub()

	if r.store, err = r.openStore(ctx); err != nil {
		return err
	}
	sink, err := r.openAccessLog(ctx)
	if err != nil {
		return err
	}
	dir, err := r.openDirectory(ctx)
	if err != nil {
		return err
	}
	notifier, err := r.openNotifier(client)
	if err != nil {
		return err
	}
	identifier, err := r.openIdentifier(client)
	if err != nil {
		return err
	}
	actuator, err := r.openActuator(client)
	if err != nil {
		return err
	}
	r.engine, err = engine.New(engine.Options{
		Identifier: identifier,
		Directory:  dir,
		Notifier:   notifier,
		Actuator:   actuator,
		Store:      r.store,
		Log:        sink,
		Emitter:    r.hub,
		Alerter:    engine.LogAlerter{Logger: r.logger},
		Logger:     r.logger,
		Settings:   settings,
	})
	if err != nil {
		return porterrors.Wrap(err, porterrors.CategoryInternalFailure, "engine_init", "", false)
	}
	return nil
}

// unconfigured stands in for a port with no endpoint.
type unconfigured struct {
	name string
}

func (u unconfigured) Identify(context.Context, access.IdentificationKind, string) (access.IdentificationResult, error) {
	return access.IdentificationResult{}, fmt.Errorf("%w: %s not configured", ports.ErrUnavailable, u.name)
}

func (u unconfigured) Actuate(context.Context, string, string, string) error {
	return fmt.Errorf("%w: %s not configured", ports.ErrUnavailable, u.name)
}
