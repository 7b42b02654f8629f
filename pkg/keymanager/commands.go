package keymanager

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// MnemonicWords is the required mnemonic length.
const MnemonicWords = 24

var (
	// ErrEmptyMnemonic is returned for a blank mnemonic.
	ErrEmptyMnemonic = errors.New("Mnemonic phrase is empty")

	// ErrMnemonicLength is returned when the mnemonic is not 24 words long.
	ErrMnemonicLength = errors.New("Mnemonic phrase should have 24-word length")
)

// Account is a validator account derived from a seed.
type Account struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	ValidationPubKey string `json:"validationPubKey"`
	WithdrawalPubKey string `json:"withdrawalPubKey"`
}

// DepositData is the signed deposit for one validator.
type DepositData struct {
	PublicKey              string `json:"publicKey"`
	WithdrawalCredentials  string `json:"withdrawalCredentials"`
	Signature              string `json:"signature"`
	DepositDataRoot        string `json:"depositDataRoot"`
	DepositContractAddress string `json:"depositContractAddress"`
}

// CreateWallet creates an empty wallet and returns its encoded storage.
func (c *Client) CreateWallet(ctx context.Context) (string, error) {
	return c.invoke(ctx, "createWallet", "Cli error", "wallet", "create")
}

// CreateAccount derives accounts 0..index into a wallet and returns the
// encoded storage. highestSource and highestTarget are comma-separated
// epochs, highest index first; empty values are omitted.
func (c *Client) CreateAccount(ctx context.Context, seed string, index int, highestSource, highestTarget string) (string, error) {
	args := []string{
		"wallet", "account", "create",
		"--seed=" + seed,
		"--index=" + strconv.Itoa(index),
		"--accumulate=true",
	}
	if highestSource != "" {
		args = append(args, "--highest-source="+highestSource)
	}
	if highestTarget != "" {
		args = append(args, "--highest-target="+highestTarget)
	}
	return c.invoke(ctx, "createAccount", "Create keyvault account was failed.", args...)
}

// GetAccount derives the account at index without storing it.
func (c *Client) GetAccount(ctx context.Context, seed string, index int) (*Account, error) {
	var acc Account
	err := c.invokeJSON(ctx, "getAccount", "Get keyvault account was failed.", &acc,
		"wallet", "account", "create",
		"--seed="+seed,
		"--index="+strconv.Itoa(index),
		"--response-type=object",
	)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetAccounts derives accounts 0..index without storing them.
func (c *Client) GetAccounts(ctx context.Context, seed string, index int) ([]Account, error) {
	var accounts []Account
	err := c.invokeJSON(ctx, "getAccounts", "Get keyvault account was failed.", &accounts,
		"wallet", "account", "create",
		"--seed="+seed,
		"--index="+strconv.Itoa(index),
		"--accumulate=true",
		"--response-type=object",
	)
	return accounts, err
}

// ListAccounts lists the accounts held in an encoded wallet storage.
func (c *Client) ListAccounts(ctx context.Context, storage string) ([]Account, error) {
	accounts := []Account{}
	err := c.invokeJSON(ctx, "listAccounts", "List keyvault accounts was failed.", &accounts,
		"wallet", "account", "list", "--storage="+storage)
	return accounts, err
}

// DepositData builds the deposit for the account at index. publicKey may
// carry a 0x prefix.
func (c *Client) DepositData(ctx context.Context, seed string, index int, publicKey, network string) (*DepositData, error) {
	if network == "" {
		return nil, errors.New("network is missing")
	}
	if publicKey == "" {
		return nil, errors.New("publicKey is empty")
	}
	var dd DepositData
	err := c.invokeJSON(ctx, "depositData", "Get deposit data was failed.", &dd,
		"wallet", "account", "deposit-data",
		"--seed="+seed,
		"--index="+strconv.Itoa(index),
		"--public-key="+strings.TrimPrefix(publicKey, "0x"),
		"--network="+network,
	)
	if err != nil {
		return nil, err
	}
	return &dd, nil
}

// GeneratePublicKey returns the validation public key at index.
func (c *Client) GeneratePublicKey(ctx context.Context, seed string, index int) (string, error) {
	return c.invoke(ctx, "generatePublicKey", "Generate public key failed.",
		"wallet", "public-key", "generate", "--seed="+seed, "--index="+strconv.Itoa(index))
}

// GenerateMnemonic returns a new 24-word mnemonic.
func (c *Client) GenerateMnemonic(ctx context.Context) (string, error) {
	return c.invoke(ctx, "generateMnemonic", "Generate mnemonic failed.", "mnemonic", "generate")
}

// SeedFromMnemonic derives the wallet seed from a 24-word mnemonic.
func (c *Client) SeedFromMnemonic(ctx context.Context, mnemonic string) (string, error) {
	normalized, err := NormalizeMnemonic(mnemonic)
	if err != nil {
		return "", err
	}
	return c.invoke(ctx, "seedFromMnemonic", "Not possible to generate seed by mnemonic phrase",
		"seed", "generate", "--mnemonic="+normalized)
}

// NormalizeMnemonic collapses whitespace and checks the word count.
func NormalizeMnemonic(mnemonic string) (string, error) {
	words := strings.Fields(mnemonic)
	if len(words) == 0 {
		return "", ErrEmptyMnemonic
	}
	if len(words) != MnemonicWords {
		return "", ErrMnemonicLength
	}
	return strings.Join(words, " "), nil
}
