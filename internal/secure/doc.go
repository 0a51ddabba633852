// Package secure holds symmetric keys in protected memory and implements the
// ciphers used for data at rest.
//
// Keys are wrapped in memguard enclaves, so the plaintext key only exists in
// a locked buffer for the duration of a single cipher call:
//
//	key, err := secure.GenerateKey()
//	if err != nil {
//	    return err
//	}
//	ct, err := secure.Seal(key, []byte("value"))
//	pt, err := secure.Open(key, ct)
//
// # Formats
//
// Seal produces AES-256-GCM output in combined form: a 12-byte nonce, the
// ciphertext, then the 16-byte tag. Open rejects anything that fails
// authentication with ErrDecrypt.
//
// SealLegacy and OpenLegacy implement the format that predates GCM:
// AES-256-CBC with PKCS#7 padding and a 16-byte IV prefix. It carries no
// authentication and is only read during migration.
//
// # Platform Behavior
//
// memguard attempts to mlock its buffers. If that fails (for example because
// of RLIMIT_MEMLOCK on Linux) it falls back to ordinary memory; the enclave
// contents stay encrypted either way.
package secure
