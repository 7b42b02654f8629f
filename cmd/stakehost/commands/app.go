package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stakehost/stakehost/pkg/accounts"
	"github.com/stakehost/stakehost/pkg/api"
	"github.com/stakehost/stakehost/pkg/config"
	"github.com/stakehost/stakehost/pkg/engine"
	"github.com/stakehost/stakehost/pkg/keymanager"
	"github.com/stakehost/stakehost/pkg/keystore"
	"github.com/stakehost/stakehost/pkg/keyvault"
	"github.com/stakehost/stakehost/pkg/policy"
	"github.com/stakehost/stakehost/pkg/processes"
	"github.com/stakehost/stakehost/pkg/providers/aws"
	"github.com/stakehost/stakehost/pkg/stores"
	"github.com/stakehost/stakehost/pkg/telemetry"
	"github.com/stakehost/stakehost/pkg/wallet"
)

var (
	errNotLoggedIn     = errors.New(`no user is logged in, run "stakehost init --user <id>" first`)
	errWrongPassphrase = errors.New("wrong passphrase")
)

// app is everything a command needs, opened from the settings.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	db       *stores.SQLiteStore
	registry *keystore.Registry
	backend  *api.Client
	watcher  *policy.Loader

	mu      sync.Mutex
	closers []io.Closer
}

func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(config.LoadOptions{Path: configPath, DataDir: dataDir})
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return settings, nil
}

// openApp loads the settings and opens telemetry, the database and the
// keyed store registry.
func openApp(ctx context.Context) (*app, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(settings.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if settings.Telemetry.Environment == "" {
		settings.Telemetry.Environment = settings.Env
	}
	tel, err := telemetry.NewTelemetry(&settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(ctx); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	db, err := openDatabase(ctx, settings.DatabasePath())
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	registry := keystore.NewRegistry(db,
		keystore.WithTTL(settings.CryptoKeyTTL),
		keystore.WithRepairOnDecryptFailure(settings.RepairOnDecryptFailure),
		keystore.WithLogger(tel.Logger),
		keystore.WithMetrics(tel.Metrics),
	)

	a := &app{
		settings: settings,
		tel:      tel,
		db:       db,
		registry: registry,
		backend:  api.NewClient(settings.APIClient(), registry.Base(), api.WithLogger(tel.Logger)),
	}
	if err := a.syncEnv(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openDatabase(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	db, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := db.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// syncEnv records the configured environment in the base instance.
func (a *app) syncEnv(ctx context.Context) error {
	current, err := a.registry.Env(ctx)
	if err != nil {
		return err
	}
	want := a.settings.Env
	if want == "production" {
		if current == "" {
			return nil
		}
		return a.registry.DeleteEnv(ctx)
	}
	if current == want {
		return nil
	}
	return a.registry.SetEnv(ctx, want)
}

// Close releases every resource opened by the app.
func (a *app) Close() {
	if a.watcher != nil {
		_ = a.watcher.StopWatching()
	}
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Msg("failed to close connection")
		}
	}
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close database")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		log.Debug().Err(err).Msg("failed to flush telemetry")
	}
}

func (a *app) track(c io.Closer) {
	a.mu.Lock()
	a.closers = append(a.closers, c)
	a.mu.Unlock()
}

// user returns the logged-in user id.
func (a *app) user(ctx context.Context) (string, error) {
	id, err := a.registry.Base().GetString(ctx, "currentUserId")
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errNotLoggedIn
	}
	return id, nil
}

// main returns the main instance of the logged-in user.
func (a *app) main(ctx context.Context) (*keystore.Store, error) {
	s, err := a.registry.Main(ctx)
	if errors.Is(err, keystore.ErrNotReady) {
		return nil, errNotLoggedIn
	}
	return s, err
}

// unlock sets the crypto key on every open instance. When anything is
// stored encrypted the passphrase must open it; a fresh store takes a new,
// confirmed passphrase.
func (a *app) unlock(ctx context.Context, main *keystore.Store) error {
	stored, err := main.HasEncryptedData(ctx)
	if err != nil {
		return err
	}

	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		if stored {
			passphrase, err = readSecret("Passphrase: ")
		} else {
			passphrase, err = readNewSecret("New passphrase: ")
		}
		if err != nil {
			return err
		}
	}
	if stored && !main.IsPassphraseValid(ctx, passphrase) {
		return errWrongPassphrase
	}
	return a.registry.UnlockAll(ctx, passphrase)
}

// boundServices are the domain services bound to one keyed-store instance.
type boundServices struct {
	aws      *aws.Service
	vault    *keyvault.Service
	wallets  *wallet.Service
	accounts *accounts.Service
}

// services binds the domain services to store.
func (a *app) services(store *keystore.Store) *boundServices {
	logger := a.tel.Logger
	km := keymanager.NewClient(a.settings.KeyManager.Binary, keymanager.WithLogger(logger))

	vault := keyvault.NewService(store, a.settings.KeyVaultDeployment(), keyvault.SSHDialer(a.settings.SSHConfig()), logger)
	a.track(vault)

	wallets := wallet.NewService(store, km, a.settings.KeyVault.Networks, logger)

	return &boundServices{
		aws:     aws.NewService(store, a.settings.AWSProvider(), aws.NewEC2Client, logger),
		vault:   vault,
		wallets: wallets,
		accounts: accounts.NewService(accounts.Deps{
			Store:      store,
			KeyManager: km,
			Vault:      vault,
			Backend:    api.NewAccounts(a.backend),
			Wallets:    wallets,
			Networks:   a.settings.KeyVault.Networks,
			Logger:     logger,
		}),
	}
}

// owners binds the step owners to store.
func (a *app) owners(store *keystore.Store) (*processes.Owners, error) {
	svc := a.services(store)
	return &processes.Owners{
		AWS:      svc.aws,
		KeyVault: svc.vault,
		Wallet:   svc.wallets,
		Accounts: svc.accounts,
	}, nil
}

// policyGate returns the preflight owner, or nil when policies are off.
func (a *app) policyGate(ctx context.Context, main *keystore.Store) (engine.Owner, error) {
	if !a.settings.Policy.Enabled {
		return nil, nil
	}
	eng, err := policy.NewEngine(*a.tel.Logger.Zerolog())
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}

	dir := a.settings.PolicyDir()
	if a.settings.Policy.Watch {
		a.watcher, err = eng.Watch(ctx, dir)
	} else {
		err = eng.LoadDir(ctx, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policies from %s: %w", dir, err)
	}

	target, limits := a.settings.PolicyTarget()
	return policy.NewOwner(eng, main, target, limits), nil
}

// builder returns a process builder whose processes are recorded in the
// database and reported on out.
func (a *app) builder(ctx context.Context, main *keystore.Store, out io.Writer) (*processes.Builder, error) {
	gate, err := a.policyGate(ctx, main)
	if err != nil {
		return nil, err
	}
	actor, err := a.user(ctx)
	if err != nil {
		return nil, err
	}

	return processes.NewBuilder(a.registry, a.owners, gate,
		engine.WithObservers(
			stores.NewRunRecorder(a.db, actor, a.tel.Logger),
			progressObserver(out),
		),
		engine.WithLogger(a.tel.Logger),
		engine.WithTelemetry(a.tel),
	), nil
}

// run runs p and reports the outcome on out.
func (a *app) run(ctx context.Context, p *engine.Process, out io.Writer) error {
	if err := p.Run(ctx); err != nil {
		if msg := engine.DisplayMessage(err); msg != "" {
			return fmt.Errorf("%s (run %s): %w", msg, p.ID(), err)
		}
		return fmt.Errorf("%s failed (run %s): %w", p.Name(), p.ID(), err)
	}
	if !jsonOutput {
		fmt.Fprintf(out, "\n✓ %s completed in %s (run %s)\n", p.Name(), p.Duration().Round(time.Millisecond), p.ID())
	}
	return nil
}

// audit records an action outside of a process run.
func (a *app) audit(ctx context.Context, action, target string, details map[string]any) {
	actor, _ := a.registry.Base().GetString(ctx, "currentUserId")
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	}
	if target != "" {
		entry.TargetID = &target
	}
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := a.db.CreateAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("failed to record audit entry")
	}
}

// progressEvent is one JSON progress line.
type progressEvent struct {
	RunID   string `json:"run_id"`
	Process string `json:"process"`
	engine.Payload
	Error string `json:"error,omitempty"`
}

// progressObserver prints step progress, or one JSON object per
// notification with --json.
func progressObserver(out io.Writer) engine.Observer {
	if jsonOutput {
		enc := json.NewEncoder(out)
		return engine.ObserverFunc(func(h engine.Handle, p engine.Payload) {
			ev := progressEvent{RunID: h.ID(), Process: h.Name(), Payload: p}
			if p.Err != nil {
				ev.Error = p.Err.Error()
			}
			_ = enc.Encode(ev)
		})
	}

	return engine.ObserverFunc(func(h engine.Handle, p engine.Payload) {
		indent := ""
		if p.Fallback {
			indent = "    "
		}
		switch p.Kind {
		case engine.PayloadStepStarted:
			fmt.Fprintf(out, "%s[%d/%d] %s\n", indent, p.Step, p.Total, p.Message)
		case engine.PayloadStepFailed:
			msg := p.DisplayMessage
			if msg == "" && p.Err != nil {
				msg = p.Err.Error()
			}
			fmt.Fprintf(out, "%s✗ %s\n", indent, msg)
		case engine.PayloadFallbackStarted:
			fmt.Fprintf(out, "  rolling back %s\n", p.State)
		case engine.PayloadFallbackCompleted:
			fmt.Fprintln(out, "  rollback completed")
		}
	})
}
