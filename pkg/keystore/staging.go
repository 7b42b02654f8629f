package keystore

import (
	"context"
	"fmt"

	"github.com/stakehost/stakehost/pkg/engine"
)

var (
	// stagedFields move from main into the staging instance before a reinstall.
	stagedFields = []string{"uuid", "credentials", "keyPair", "securityGroupId", "slashingData", "index", "seed"}

	// rotatedFields are removed from main once staged; the reinstall
	// rebuilds them.
	rotatedFields = []string{"slashingData", "index"}

	// committedFields are the provisioning results moved back into main.
	committedFields = []string{"uuid", "addressId", "publicIp", "instanceId", "vaultRootToken", "keyVaultVersion"}
)

// StageForReinstall copies identity, credentials and key material from the
// main instance into the staging instance, then removes slashing data and
// account indexes from main. All reads happen before any write.
func (r *Registry) StageForReinstall(ctx context.Context) error {
	main, err := r.Main(ctx)
	if err != nil {
		return err
	}
	tmp, err := r.Temp(ctx)
	if err != nil {
		return err
	}

	values, err := readFields(ctx, main, stagedFields)
	if err != nil {
		return fmt.Errorf("failed to read main store: %w", err)
	}
	if err := tmp.SetMultiple(ctx, values); err != nil {
		return fmt.Errorf("failed to write staging store: %w", err)
	}
	for _, f := range rotatedFields {
		if err := main.Delete(ctx, f); err != nil {
			return fmt.Errorf("failed to remove %s from main store: %w", f, err)
		}
	}
	return nil
}

// CommitStagedReinstall copies the provisioning results from the staging
// instance into main and clears the staging instance.
func (r *Registry) CommitStagedReinstall(ctx context.Context) error {
	main, err := r.Main(ctx)
	if err != nil {
		return err
	}
	tmp, err := r.Temp(ctx)
	if err != nil {
		return err
	}

	values, err := readFields(ctx, tmp, committedFields)
	if err != nil {
		return fmt.Errorf("failed to read staging store: %w", err)
	}
	if err := main.SetMultiple(ctx, values); err != nil {
		return fmt.Errorf("failed to write main store: %w", err)
	}
	return tmp.Clear(ctx)
}

func readFields(ctx context.Context, s *Store, fields []string) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, err := s.Get(ctx, f)
		if err != nil {
			return nil, err
		}
		out[f] = v
	}
	return out, nil
}

// StorageOwner exposes the staging protocol as process steps.
type StorageOwner struct {
	registry *Registry
}

// NewStorageOwner creates the "storage" step owner.
func NewStorageOwner(r *Registry) *StorageOwner {
	return &StorageOwner{registry: r}
}

func (o *StorageOwner) OwnerName() string { return "storage" }

func (o *StorageOwner) Operations() engine.OperationSet {
	return engine.OperationSet{
		"prepareTmpStorage": {
			Metadata: engine.StepMetadata{DisplayName: "Creating local backup..."},
			Run: func(ctx context.Context, _ engine.Params) (any, error) {
				return nil, o.registry.StageForReinstall(ctx)
			},
		},
		"saveTmpConfigIntoMain": {
			Metadata: engine.StepMetadata{DisplayName: "Configuring local storage..."},
			Run: func(ctx context.Context, _ engine.Params) (any, error) {
				return nil, o.registry.CommitStagedReinstall(ctx)
			},
		},
		"clearStorage": {
			Metadata: engine.StepMetadata{DisplayName: "Removing local configuration..."},
			Run: func(ctx context.Context, _ engine.Params) (any, error) {
				main, err := o.registry.Main(ctx)
				if err != nil {
					return nil, err
				}
				return nil, main.Clear(ctx)
			},
		},
	}
}
