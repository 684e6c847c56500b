// Package token issues and verifies the hub's JWT pairs.
//
// # Overview
//
// The Authority signs HS256 access/refresh pairs with a key derived from
// the master secret via HKDF-SHA256; the raw secret is never used as a
// signing key. Every issued pair is persisted, so revocation is a store
// lookup rather than a denylist.
//
// # Verification Order
//
// Verify checks signature, then expiry, then token type, then revocation.
// Expiry uses a closed bound: a token presented exactly at its expiry
// instant is already expired. With StrictPresence enabled, a well-signed
// token whose persisted pair row is gone is also rejected.
//
// # Refresh
//
// Refreshing does not rotate the pair. The refresh token stays valid for
// its full lifetime and each refresh swaps a new access token into the
// existing pair row.
package token
