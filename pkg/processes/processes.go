// Package processes assembles the user-facing processes (install, reinstall,
// uninstall, account creation and recovery) from the service operations.
//
// A builder only wires steps; running, observing and retrying a process is
// the caller's business. Every process is built fresh and runs once.
package processes

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stakehost/stakehost/pkg/engine"
	"github.com/stakehost/stakehost/pkg/keystore"
	"github.com/stakehost/stakehost/pkg/providers/aws"
)

// Process names.
const (
	Install       = "install"
	Reinstall     = "reinstall"
	Uninstall     = "uninstall"
	AccountCreate = "account-create"
	Recovery      = "recovery"
)

// Owners are the step owners bound to one keyed-store instance.
type Owners struct {
	AWS      engine.Owner
	KeyVault engine.Owner
	Wallet   engine.Owner
	Accounts engine.Owner
}

// OwnerFactory returns the owners bound to store.
type OwnerFactory func(store *keystore.Store) (*Owners, error)

// Builder builds processes for the current user.
type Builder struct {
	registry *keystore.Registry
	owners   OwnerFactory
	storage  *keystore.StorageOwner
	policy   engine.Owner
	opts     []engine.ProcessOption
}

// NewBuilder creates a builder. policy may be nil, which drops the
// preflight step. opts apply to every process built.
func NewBuilder(registry *keystore.Registry, owners OwnerFactory, policy engine.Owner, opts ...engine.ProcessOption) *Builder {
	return &Builder{
		registry: registry,
		owners:   owners,
		storage:  keystore.NewStorageOwner(registry),
		policy:   policy,
		opts:     opts,
	}
}

// layeredChecker finds a key in the first store that has it.
type layeredChecker []engine.ConfigChecker

func (l layeredChecker) Exists(ctx context.Context, key string) (bool, error) {
	for _, c := range l {
		ok, err := c.Exists(ctx, key)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (b *Builder) checker(stores ...*keystore.Store) engine.ConfigChecker {
	l := make(layeredChecker, 0, len(stores)+1)
	for _, s := range stores {
		l = append(l, s)
	}
	return append(l, b.registry.Base())
}

// preflight returns the policy gate for process, or nothing without a
// policy owner.
func (b *Builder) preflight(process string) []*engine.ActionStep {
	if b.policy == nil {
		return nil
	}
	return []*engine.ActionStep{
		engine.MustStep(b.policy, "checkPreflight", engine.WithParams(engine.Params{"process": process})),
	}
}

func (b *Builder) bind(ctx context.Context, prefix string) (*keystore.Store, *Owners, error) {
	store, err := b.registry.Store(ctx, prefix)
	if err != nil {
		return nil, nil, err
	}
	owners, err := b.owners(store)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind services: %w", err)
	}
	return store, owners, nil
}

// provisioning are the steps that bring up a key-vault server for the
// instance the owners are bound to. opts apply to every step.
func provisioning(o *Owners, opts ...engine.StepOption) []*engine.ActionStep {
	return []*engine.ActionStep{
		engine.MustStep(o.AWS, "setAWSCredentials", opts...),
		engine.MustStep(o.AWS, "validateAWSPermissions", opts...),
		engine.MustStep(o.AWS, "createEc2KeyPair", opts...),
		engine.MustStep(o.AWS, "createElasticIp", opts...),
		engine.MustStep(o.AWS, "createSecurityGroup", opts...),
		engine.MustStep(o.AWS, "createInstance", opts...),
		engine.MustStep(o.KeyVault, "installDockerScope", opts...),
		engine.MustStep(o.KeyVault, "runDockerContainer", opts...),
		engine.MustStep(o.KeyVault, "runScripts", opts...),
	}
}

// NewInstall builds the install process. It records the installation id and
// the AWS credentials before any step runs, so the main instance must be
// unlocked.
func (b *Builder) NewInstall(ctx context.Context, creds aws.Credentials) (*engine.Process, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	main, o, err := b.bind(ctx, "")
	if err != nil {
		return nil, err
	}

	id, err := main.GetString(ctx, "uuid")
	if err != nil {
		return nil, err
	}
	values := map[string]any{
		"credentials": map[string]any{
			"accessKeyId":     creds.AccessKeyID,
			"secretAccessKey": creds.SecretAccessKey,
		},
	}
	if id == "" {
		values["uuid"] = uuid.New().String()
	}
	if err := main.SetMultiple(ctx, values); err != nil {
		return nil, fmt.Errorf("failed to record install settings: %w", err)
	}

	steps := b.preflight(Install)
	steps = append(steps, provisioning(o)...)
	steps = append(steps,
		engine.MustStep(o.Wallet, "createWallet"),
		engine.MustStep(o.KeyVault, "getKeyVaultRootToken"),
		engine.MustStep(o.KeyVault, "initKeyVaultApi"),
		engine.MustStep(o.KeyVault, "updateVaultStorage"),
		engine.MustStep(o.Accounts, "syncVaultWithBlox"),
		engine.MustStep(o.KeyVault, "getKeyVaultStatus"),
	)
	return engine.NewProcess(Install, b.checker(main), steps, b.opts...)
}

// NewReinstall builds the reinstall process: a new server is provisioned
// against the staging instance, the old one is removed, and the results
// are committed to main.
func (b *Builder) NewReinstall(ctx context.Context) (*engine.Process, error) {
	main, mainOwners, err := b.bind(ctx, "")
	if err != nil {
		return nil, err
	}
	tmp, tmpOwners, err := b.bind(ctx, keystore.TempPrefix)
	if err != nil {
		return nil, err
	}

	// Steps bound to one instance resolve their required keys there, so a
	// key only the other instance holds is reported as missing.
	onTmp := engine.WithConfigChecker(b.checker(tmp))
	onMain := engine.WithConfigChecker(b.checker(main))

	steps := b.preflight(Reinstall)
	steps = append(steps, engine.MustStep(b.storage, "prepareTmpStorage"))
	steps = append(steps, provisioning(tmpOwners, onTmp)...)
	steps = append(steps,
		engine.MustStep(tmpOwners.KeyVault, "getKeyVaultRootToken", onTmp),
		engine.MustStep(tmpOwners.KeyVault, "initKeyVaultApi", onTmp),
		engine.MustStep(mainOwners.AWS, "truncateServer", onMain),
		engine.MustStep(b.storage, "saveTmpConfigIntoMain"),
		engine.MustStep(mainOwners.KeyVault, "updateVaultStorage", onMain),
		engine.MustStep(mainOwners.KeyVault, "getKeyVaultStatus", onMain),
	)
	return engine.NewProcess(Reinstall, b.checker(main, tmp), steps, b.opts...)
}

// NewUninstall builds the uninstall process. Cloud resources go first, so
// a failure leaves the local record of whatever still exists.
func (b *Builder) NewUninstall(ctx context.Context) (*engine.Process, error) {
	main, o, err := b.bind(ctx, "")
	if err != nil {
		return nil, err
	}

	steps := b.preflight(Uninstall)
	steps = append(steps,
		engine.MustStep(o.AWS, "terminateInstance"),
		engine.MustStep(o.AWS, "deleteSecurityGroup"),
		engine.MustStep(o.AWS, "releaseAddress"),
		engine.MustStep(o.AWS, "deleteKeyPair"),
		engine.MustStep(o.Accounts, "deleteBloxAccounts"),
		engine.MustStep(b.storage, "clearStorage"),
	)
	return engine.NewProcess(Uninstall, b.checker(main), steps, b.opts...)
}

// NewAccountCreate builds the process adding one validator account on
// network. A failed backend registration rolls the wallet back.
func (b *Builder) NewAccountCreate(ctx context.Context, network string) (*engine.Process, error) {
	if network == "" {
		return nil, errors.New("network is required")
	}
	main, o, err := b.bind(ctx, "")
	if err != nil {
		return nil, err
	}
	if err := main.Set(ctx, "network", network); err != nil {
		return nil, err
	}

	steps := []*engine.ActionStep{
		engine.MustStep(o.Accounts, "createAccount", engine.WithParams(engine.Params{"network": network})),
		engine.MustStep(o.KeyVault, "updateVaultStorage"),
		engine.MustStep(o.Accounts, "createBloxAccount"),
	}
	fallbacks := engine.FallbackChains{
		"createBloxAccount": {
			engine.MustStep(o.Accounts, "deleteLastIndexedAccount"),
			engine.MustStep(o.KeyVault, "updateVaultStorage"),
		},
	}
	opts := append([]engine.ProcessOption{engine.WithFallbacks(fallbacks)}, b.opts...)
	return engine.NewProcess(AccountCreate, b.checker(main), steps, opts...)
}

// NewRecovery builds the process restoring a user's accounts from their
// mnemonic. password becomes the new store passphrase.
func (b *Builder) NewRecovery(ctx context.Context, mnemonic, password string) (*engine.Process, error) {
	main, o, err := b.bind(ctx, "")
	if err != nil {
		return nil, err
	}

	steps := []*engine.ActionStep{
		engine.MustStep(o.Accounts, "recovery", engine.WithParams(engine.Params{
			"mnemonic": mnemonic,
			"password": password,
		})),
		engine.MustStep(o.Accounts, "recoverAccounts"),
		engine.MustStep(o.KeyVault, "updateVaultStorage"),
	}
	return engine.NewProcess(Recovery, b.checker(main), steps, b.opts...)
}
