package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	workwx "github.com/goliatone/go-workwx"
	"github.com/goliatone/go-workwx/core"
	workwxmigrations "github.com/goliatone/go-workwx/migrations"
	workwxquery "github.com/goliatone/go-workwx/query"
	"github.com/goliatone/go-workwx/ratelimit"
	"github.com/goliatone/go-workwx/security"
	redisstore "github.com/goliatone/go-workwx/store/redis"
	sqlstore "github.com/goliatone/go-workwx/store/sql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

const (
	storeMemory   = "memory"
	storeRedis    = "redis"
	storeSQLite   = "sqlite"
	storePostgres = "postgres"
)

type options struct {
	configPath string
	pageURL    string
	debug      bool
	apis       []string
	state      bool
	store      string
	dsn        string
	redisAddr  string
	sealKey    string
	migrate    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "workwx-sign: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	opts := options{}
	flags := pflag.NewFlagSet("workwx-sign", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file; WORKWX_* variables override it")
	flags.StringVarP(&opts.pageURL, "url", "u", "", "page url to sign")
	flags.BoolVar(&opts.debug, "debug", false, "set debug in the JS-SDK config")
	flags.StringSliceVar(&opts.apis, "apis", nil, "JS-SDK api names, comma separated")
	flags.BoolVar(&opts.state, "state", false, "print credential state instead of signing")
	flags.StringVar(&opts.store, "store", storeMemory, "credential store: memory, redis, sqlite or postgres")
	flags.StringVar(&opts.dsn, "dsn", "", "database dsn for the sqlite and postgres stores")
	flags.StringVar(&opts.redisAddr, "redis-addr", "127.0.0.1:6379", "redis address for the redis store")
	flags.StringVar(&opts.sealKey, "seal-key", "", "app key used to encrypt stored credentials")
	flags.BoolVar(&opts.migrate, "migrate", false, "apply SQL migrations before use")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}

	opts.store = strings.ToLower(strings.TrimSpace(opts.store))
	if !opts.state && strings.TrimSpace(opts.pageURL) == "" {
		return options{}, fmt.Errorf("--url is required")
	}
	switch opts.store {
	case storeMemory, storeRedis:
	case storeSQLite, storePostgres:
		if strings.TrimSpace(opts.dsn) == "" {
			return options{}, fmt.Errorf("--dsn is required for the %s store", opts.store)
		}
	default:
		return options{}, fmt.Errorf("unknown store %q", opts.store)
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	storeOpts, closeStores, err := buildStores(ctx, opts)
	if err != nil {
		return err
	}
	defer closeStores()

	loader := core.ChainLoader{
		core.YAMLFileLoader{Path: opts.configPath},
		core.EnvLoader{},
	}
	serviceOpts := append([]workwx.Option{
		workwx.WithConfigProvider(core.NewCfgxConfigProvider(loader)),
	}, storeOpts...)
	svc, err := workwx.NewService(workwx.Config{}, serviceOpts...)
	if err != nil {
		return err
	}

	facade, err := workwx.NewFacade(svc)
	if err != nil {
		return err
	}
	if opts.state {
		return printStates(ctx, facade, stdout)
	}

	queries := facade.Queries()
	msg := queryJSConfig(opts)
	if err := msg.Validate(); err != nil {
		return err
	}
	cfg, err := queries.JSConfig.Query(ctx, msg)
	if err != nil {
		return svc.MapError(err)
	}
	return writeJSON(stdout, cfg)
}

func printStates(ctx context.Context, facade *workwx.Facade, stdout io.Writer) error {
	families := []core.Family{core.FamilyAccess, core.FamilyTicket, core.FamilySuite}
	statuses := make([]core.CredentialStatus, 0, len(families))
	for _, family := range families {
		status, err := facade.Queries().CredentialState.Query(ctx, stateMessage(family))
		if err != nil {
			return err
		}
		statuses = append(statuses, status)
	}
	return writeJSON(stdout, statuses)
}

func buildStores(ctx context.Context, opts options) ([]workwx.Option, func(), error) {
	noop := func() {}
	var secrets core.SecretProvider
	if key := strings.TrimSpace(opts.sealKey); key != "" {
		provider, err := security.NewAppKeySecretProviderFromString(key)
		if err != nil {
			return nil, noop, err
		}
		secrets = provider
	}

	switch opts.store {
	case storeRedis:
		client := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		closeFn := func() { _ = client.Close() }
		if err := client.Ping(ctx).Err(); err != nil {
			closeFn()
			return nil, noop, fmt.Errorf("redis ping: %w", err)
		}
		redisOpts := []redisstore.Option{}
		if secrets != nil {
			redisOpts = append(redisOpts, redisstore.WithSecretProvider(secrets))
		}
		store, err := redisstore.NewCredentialStore(client, redisOpts...)
		if err != nil {
			closeFn()
			return nil, noop, err
		}
		states, err := redisstore.NewRateLimitStateStore(client, 0)
		if err != nil {
			closeFn()
			return nil, noop, err
		}
		return []workwx.Option{
			workwx.WithCredentialStore(store),
			workwx.WithRateLimitPolicy(ratelimit.NewAdaptivePolicy(states)),
		}, closeFn, nil

	case storeSQLite, storePostgres:
		client, err := openPersistence(ctx, opts)
		if err != nil {
			return nil, noop, err
		}
		closeFn := func() { _ = client.Close() }
		sqlOpts := []sqlstore.CredentialStoreOption{}
		if secrets != nil {
			sqlOpts = append(sqlOpts, sqlstore.WithSecretProvider(secrets))
		}
		factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, sqlOpts...)
		if err != nil {
			closeFn()
			return nil, noop, err
		}
		return []workwx.Option{
			workwx.WithCredentialStore(factory.CredentialStore()),
			workwx.WithRateLimitPolicy(ratelimit.NewAdaptivePolicy(factory.RateLimitStateStore())),
		}, closeFn, nil

	default:
		return []workwx.Option{
			workwx.WithRateLimitPolicy(ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore())),
		}, noop, nil
	}
}

type persistenceConfig struct {
	driver string
	server string
}

func (c persistenceConfig) GetDebug() bool {
	return false
}

func (c persistenceConfig) GetDriver() string {
	return c.driver
}

func (c persistenceConfig) GetServer() string {
	return c.server
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return 5 * time.Second
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return "workwx-sign"
}

func openPersistence(ctx context.Context, opts options) (*persistence.Client, error) {
	driver := sqlstore.DriverSQLite
	if opts.store == storePostgres {
		driver = sqlstore.DriverPostgres
	}
	dialectName, err := workwxmigrations.DialectForDriver(driver)
	if err != nil {
		return nil, err
	}
	sqlDB, dialect, err := sqlstore.OpenSQL(driver, opts.dsn)
	if err != nil {
		return nil, err
	}
	client, err := persistence.New(persistenceConfig{driver: driver, server: opts.dsn}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if !opts.migrate {
		return client, nil
	}

	_, err = workwxmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect == dialectName {
			client.RegisterSQLMigrations(fsys)
		}
		return nil
	}, workwxmigrations.WithDialects(dialectName))
	if err == nil {
		err = client.Migrate(ctx)
	}
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return client, nil
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func queryJSConfig(opts options) workwxquery.JSConfigMessage {
	apis := make([]string, 0, len(opts.apis))
	for _, api := range opts.apis {
		if api = strings.TrimSpace(api); api != "" {
			apis = append(apis, api)
		}
	}
	return workwxquery.JSConfigMessage{Request: core.JSConfigRequest{
		URL:     strings.TrimSpace(opts.pageURL),
		Debug:   opts.debug,
		APIList: apis,
	}}
}

func stateMessage(family core.Family) workwxquery.CredentialStateMessage {
	return workwxquery.CredentialStateMessage{Family: family}
}
