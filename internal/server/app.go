// Package server wires the configured backends and services into a running
// application.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	aaaecho "github.com/pilab-dev/shadow-aaa/api/echo"
	"github.com/pilab-dev/shadow-aaa/cache"
	rediscache "github.com/pilab-dev/shadow-aaa/cache/redis"
	"github.com/pilab-dev/shadow-aaa/config"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/internal/auth"
	"github.com/pilab-dev/shadow-aaa/internal/federation"
	"github.com/pilab-dev/shadow-aaa/internal/lock"
	"github.com/pilab-dev/shadow-aaa/internal/mail"
	"github.com/pilab-dev/shadow-aaa/internal/memstore"
	"github.com/pilab-dev/shadow-aaa/internal/scheduler"
	"github.com/pilab-dev/shadow-aaa/mongodb"
	"github.com/pilab-dev/shadow-aaa/services"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Job names. Each is also the name of its scheduler lock.
const (
	JobSyncLDAP     = "directory-sync-ldap"
	JobSyncKeycloak = "directory-sync-keycloak"
	JobOnlineSweep  = "online-sweep"
)

// App holds the wired services of one process.
type App struct {
	Config *config.ServerConfig

	Registry     *services.IdentityRegistry
	Registration *services.RegistrationService
	Recovery     *services.CredentialRecoveryService
	Auth         *services.AuthService
	Resolver     *services.ConflictResolver
	Projector    *services.SessionProjector
	Sync         *services.DirectorySync
	Sweep        *services.OnlineSweep
	Scheduler    *scheduler.Scheduler

	OAuth2      map[domain.Provider]aaaecho.OAuth2Provider
	Directories map[domain.Provider]domain.DirectorySource

	// ping reports whether the backing stores are reachable.
	ping    []func(context.Context) error
	closers []func(context.Context)
}

// sessionBackend stores sessions and answers presence queries.
type sessionBackend interface {
	domain.SessionStore
	domain.Presence
}

type stores struct {
	accounts    domain.AccountRepository
	sessions    sessionBackend
	tokens      domain.TokenStore
	checkpoints domain.SyncCheckpointStore
	locker      lock.Locker
}

// Build connects the configured backends and creates every service.
func Build(ctx context.Context, cfg *config.ServerConfig) (*App, error) {
	app := &App{Config: cfg}
	st, err := app.openStores(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	strategy, err := services.ParseConflictStrategy(cfg.ConflictStrategy)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	removal, err := services.ParseRemovalPolicy(cfg.Sync.Removal)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	hasher := auth.NewBcryptPasswordHasher(cfg.BcryptCost)
	var mailer domain.Mailer = mail.LogMailer{}
	if cfg.SMTPAddr != "" {
		mailer = mail.NewSMTPMailer(mail.SMTPConfig{
			Addr:     cfg.SMTPAddr,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	}

	app.Registry = services.NewIdentityRegistry(st.accounts, cfg.LoginPolicy())
	app.Resolver = services.NewConflictResolver(app.Registry, services.ResolverConfig{
		Strategy:    strategy,
		AllowUnbind: cfg.AllowUnbind,
		AdminRole:   domain.RoleAdmin,
	})
	flows := cfg.FlowConfig()
	app.Registration = services.NewRegistrationService(app.Registry, hasher, st.tokens, mailer, flows)
	app.Recovery = services.NewCredentialRecoveryService(app.Registry, hasher, st.tokens, mailer, flows)
	app.Projector = services.NewSessionProjector(st.sessions, st.accounts, st.sessions)
	app.Sync = services.NewDirectorySync(app.Registry, app.Resolver, st.checkpoints, services.DirectorySyncConfig{
		BatchSize:    cfg.Sync.BatchSize,
		BatchTimeout: cfg.Sync.BatchTimeout,
		Removal:      removal,
		HintRole:     domain.RoleAdmin,
	})
	app.Sweep = services.NewOnlineSweep(app.Registry, st.sessions, cfg.OnlineSweepPage, logOnlineChanges)

	if err := app.buildFederation(); err != nil {
		app.Close(ctx)
		return nil, err
	}

	var directory services.DirectoryAuthenticator
	if ldapDir, ok := app.Directories[domain.ProviderLDAP].(*federation.LDAPDirectory); ok {
		directory = ldapDir
	}
	app.Auth = services.NewAuthService(app.Registry, app.Resolver, st.sessions, hasher, directory, cfg.SessionTTL)

	app.Scheduler = scheduler.New(st.locker)
	app.registerJobs()
	return app, nil
}

func (a *App) openStores(ctx context.Context) (*stores, error) {
	cfg := a.Config
	st := &stores{}

	switch cfg.StoreBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func(context.Context) {
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing Redis client")
			}
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		a.ping = append(a.ping, func(ctx context.Context) error { return client.Ping(ctx).Err() })
		st.sessions = rediscache.NewSessionStore(client, cfg.RedisPrefix)
		st.tokens = rediscache.NewTokenStore(client, cfg.RedisPrefix)
		st.checkpoints = rediscache.NewCheckpointStore(client, cfg.RedisPrefix)
		st.locker = lock.NewRedisLocker(client, cfg.RedisPrefix)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis session and token stores")
	default:
		sessions := cache.NewMemorySessionStore()
		tokens := cache.NewMemoryTokenStore(cfg.ConfirmationTTL)
		a.closers = append(a.closers, func(context.Context) {
			_ = sessions.Close()
			_ = tokens.Close()
		})
		st.sessions = sessions
		st.tokens = tokens
		st.checkpoints = memstore.NewCheckpointStore()
		st.locker = lock.NewMemoryLocker()
	}

	switch cfg.AccountBackend {
	case config.BackendMongo:
		if err := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); err != nil {
			return nil, fmt.Errorf("connect mongodb: %w", err)
		}
		a.closers = append(a.closers, mongodb.CloseMongoDB)
		a.ping = append(a.ping, mongodb.Ping)
		db := mongodb.GetDB()
		accounts, err := mongodb.NewAccountRepository(ctx, db)
		if err != nil {
			return nil, err
		}
		st.accounts = accounts
		// Checkpoints live with the accounts they describe.
		st.checkpoints = mongodb.NewCheckpointStore(db)
	default:
		st.accounts = memstore.NewAccountRepository()
	}
	return st, nil
}

func (a *App) buildFederation() error {
	cfg := a.Config
	a.OAuth2 = make(map[domain.Provider]aaaecho.OAuth2Provider)
	a.Directories = make(map[domain.Provider]domain.DirectorySource)

	providers := map[domain.Provider]federation.ProviderConfig{
		domain.ProviderFacebook:  cfg.Facebook,
		domain.ProviderVkontakte: cfg.Vkontakte,
		domain.ProviderGoogle:    cfg.Google,
		domain.ProviderKeycloak:  cfg.Keycloak,
	}
	for provider, pc := range providers {
		if !pc.Enabled() {
			continue
		}
		client, err := federation.NewOAuth2Client(provider, pc)
		if err != nil {
			return fmt.Errorf("configure %s: %w", provider, err)
		}
		a.OAuth2[provider] = client
		log.Info().Str("provider", string(provider)).Msg("OAuth2 provider enabled")
	}

	if cfg.KeycloakDirectory && cfg.Keycloak.Enabled() {
		dir, err := federation.NewKeycloakDirectory(cfg.Keycloak, cfg.KeycloakAdminGroup)
		if err != nil {
			return fmt.Errorf("configure keycloak directory: %w", err)
		}
		a.Directories[domain.ProviderKeycloak] = dir
	}
	if cfg.LDAPEnabled() {
		dir, err := federation.NewLDAPDirectory(cfg.LDAP, nil)
		if err != nil {
			return fmt.Errorf("configure ldap: %w", err)
		}
		a.Directories[domain.ProviderLDAP] = dir
		a.closers = append(a.closers, func(context.Context) { dir.Close() })
	}
	return nil
}

func (a *App) registerJobs() {
	syncJob := func(name string, source domain.DirectorySource, interval time.Duration) {
		a.Scheduler.Register(scheduler.Job{
			Name:     name,
			Interval: interval,
			Run: func(ctx context.Context) error {
				res, err := a.Sync.SyncBatch(ctx, source)
				if err != nil {
					return err
				}
				log.Info().Str("job", name).Int("processed", res.Processed).Int("created", res.Created).
					Int("conflicts", res.Conflicts).Int("removed", res.Removed).Bool("complete", res.Complete).
					Msg("Directory sync batch done")
				return nil
			},
		})
	}
	if dir, ok := a.Directories[domain.ProviderLDAP]; ok {
		syncJob(JobSyncLDAP, dir, a.Config.Sync.LDAPInterval)
	}
	if dir, ok := a.Directories[domain.ProviderKeycloak]; ok {
		syncJob(JobSyncKeycloak, dir, a.Config.Sync.KeycloakInterval)
	}
	a.Scheduler.Register(scheduler.Job{
		Name:     JobOnlineSweep,
		Interval: a.Config.OnlineSweepInterval,
		Run: func(ctx context.Context) error {
			_, err := a.Sweep.Run(ctx)
			return err
		},
	})
}

func logOnlineChanges(_ context.Context, changes []services.OnlineChange) {
	for _, c := range changes {
		log.Debug().Int64("user_id", c.UserID).Bool("online", c.Online).Msg("Presence changed")
	}
}

// API returns the HTTP API over the app services.
func (a *App) API() *aaaecho.API {
	return aaaecho.New(aaaecho.Deps{
		Registry:     a.Registry,
		Registration: a.Registration,
		Recovery:     a.Recovery,
		Auth:         a.Auth,
		Resolver:     a.Resolver,
		Projector:    a.Projector,
		OAuth2:       a.OAuth2,
	}, aaaecho.Config{
		SessionCookie: a.Config.SessionCookie,
		SecureCookies: a.Config.SecureCookies,
		LoginRedirect: a.Config.LoginRedirect,
		ErrorRedirect: a.Config.ErrorRedirect,
	})
}

// Ready pings every external store.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	for _, ping := range a.ping {
		errs = append(errs, ping(ctx))
	}
	return errors.Join(errs...)
}

// Close releases the backends in reverse order of opening.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}
