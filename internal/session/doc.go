// Package session provides Redis-backed session persistence for the
// authentication hot path.
//
// Sessions are stored as AES-GCM sealed JSON under an HMAC of the opaque
// client token, so a dump of the store exposes neither replayable cookie
// values nor record contents. Expiry is enforced twice: Redis key TTL and
// an absolute expires_at check on resolve.
//
// This package owns the Store and nothing else. It does not read cookies,
// evaluate access policy, or touch the credential store; those
// responsibilities belong to the auth service and the HTTP layer.
package session
