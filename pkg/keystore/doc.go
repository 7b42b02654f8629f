// Package keystore implements the encrypted keyed store.
//
// A Store is one namespace of JSON values addressed by dotted keys
// ("credentials.accessKeyId"). Values under a configured set of root keys
// are encrypted with a key derived from the user's passphrase. The key
// lives only in memory and expires after DefaultCryptoKeyTTL; any access to
// an encrypted key without it fails with ErrCryptoKeyUnavailable.
//
// A Registry hands out one Store per prefix for the logged-in user. The
// main instance has no prefix; reinstall stages data in the "tmp" instance
// and commits it back with CommitStagedReinstall.
//
// Basic usage:
//
//	reg := keystore.NewRegistry(backend)
//	if err := reg.Login(ctx, userID, token); err != nil {
//		return err
//	}
//	main, _ := reg.Main(ctx)
//	_ = main.SetCryptoKey(ctx, passphrase)
//	_ = main.Set(ctx, "seed", seed)
//
// Stored values can be exported to and restored from age-encrypted backups
// with Store.Export and Store.Import.
package keystore
