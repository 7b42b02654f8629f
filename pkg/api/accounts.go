package api

import (
	"context"
	"errors"
	"net/http"
)

// Account is a validator account registered with the backend.
type Account struct {
	ID        int    `json:"id,omitempty"`
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	Network   string `json:"network"`
	Status    string `json:"status,omitempty"`
}

// NewAccount is the payload registering an account.
type NewAccount struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	ValidationPubKey string `json:"validationPubKey"`
	WithdrawalPubKey string `json:"withdrawalPubKey"`
	Network          string `json:"network"`
}

// Attestation is the highest attestation a slasher saw for one key.
type Attestation struct {
	HighestSourceEpoch uint64 `json:"highest_source_epoch"`
	HighestTargetEpoch uint64 `json:"highest_target_epoch"`
}

// Accounts is the accounts section of the backend API.
type Accounts struct {
	client *Client
}

// NewAccounts wraps client.
func NewAccounts(client *Client) *Accounts {
	return &Accounts{client: client}
}

// List returns every account of the user.
func (a *Accounts) List(ctx context.Context) ([]Account, error) {
	accounts := []Account{}
	if err := a.client.Request(ctx, http.MethodGet, "accounts", nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// Create registers an account.
func (a *Accounts) Create(ctx context.Context, account NewAccount) (*Account, error) {
	var created Account
	if err := a.client.Request(ctx, http.MethodPost, "accounts", account, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteAll removes every account of the user.
func (a *Accounts) DeleteAll(ctx context.Context) error {
	return a.client.Request(ctx, http.MethodDelete, "accounts", nil, nil)
}

// UpdateStatus patches accounts/<route>.
func (a *Accounts) UpdateStatus(ctx context.Context, route string, payload any) error {
	if route == "" {
		return errors.New("route is required")
	}
	return a.client.Request(ctx, http.MethodPatch, "accounts/"+route, payload, nil)
}

// HighestAttestation looks up the highest attestations of publicKeys. No
// keys means no request and an empty result.
func (a *Accounts) HighestAttestation(ctx context.Context, publicKeys []string, network string) (map[string]Attestation, error) {
	result := map[string]Attestation{}
	if len(publicKeys) == 0 {
		return result, nil
	}
	payload := map[string]any{
		"public_keys": publicKeys,
		"network":     network,
	}
	if err := a.client.Request(ctx, http.MethodPost, "ethereum2/highest-attestation", payload, &result); err != nil {
		return nil, err
	}
	return result, nil
}
