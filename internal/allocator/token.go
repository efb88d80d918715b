// Package allocator issues one-shot admission tokens and leases ports from
// a fixed range, per spec.md §2 ("Token & port allocator") and §9
// ("Shared mutable server state ... is naturally a single-owner registry").
package allocator

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// ErrUnknownToken is returned when a token was never issued or has already
// been consumed.
var ErrUnknownToken = errors.New("allocator: unknown or already-consumed token")

// tokenEntropyBytes selects 192 bits of crypto/rand entropy; with the
// 32-bit uuid suffix newToken appends, a token carries 224 bits, within
// spec.md's 160-256 bit requirement for the admission entrance_token.
const tokenEntropyBytes = 24

// defaultTokenTTL bounds how long an issued-but-never-redeemed token stays
// redeemable. Expiry removes only the token: the gateway it was minted for
// is not closed and its port lease is not released by this registry.
const defaultTokenTTL = 10 * time.Minute

// Tokens is the server's single-owner authorized-token registry. Per
// spec.md §5, insertion and removal must be linearizable: go-cache's
// internal locking covers single operations, and consumeMu covers the
// check-and-delete pair in Consume.
type Tokens struct {
	// consumeMu serializes check-and-delete in Consume: go-cache's own
	// locking makes Get and Delete individually atomic, but not the pair,
	// so two concurrent upgrades with the same token could otherwise both
	// observe it as present before either removes it.
	consumeMu  sync.Mutex
	authorized *gocache.Cache
}

// NewTokens creates an empty token registry whose tokens expire ttl after
// being issued (lookups do not extend it). A zero ttl uses defaultTokenTTL.
func NewTokens(ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Tokens{authorized: gocache.New(ttl, ttl/2)}
}

// Issue mints a fresh single-use token and records it as authorized.
func (t *Tokens) Issue() (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	t.authorized.SetDefault(token, struct{}{})
	return token, nil
}

// Consume atomically verifies and removes a token. It returns
// ErrUnknownToken if the token was never issued or has already been
// consumed (or expired).
func (t *Tokens) Consume(token string) error {
	t.consumeMu.Lock()
	defer t.consumeMu.Unlock()
	if _, found := t.authorized.Get(token); !found {
		return ErrUnknownToken
	}
	t.authorized.Delete(token)
	return nil
}

// Authorized reports whether token is currently present in the authorized
// set, without consuming it. Meant only for a cheap pre-upgrade rejection
// of obviously-bad tokens; the real admission decision is still Consume,
// called after the socket upgrade succeeds.
func (t *Tokens) Authorized(token string) bool {
	_, found := t.authorized.Get(token)
	return found
}

// Revoke removes a token without requiring it to exist; used when a
// gateway is torn down before its token was ever redeemed.
func (t *Tokens) Revoke(token string) {
	t.authorized.Delete(token)
}

func newToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token entropy: %w", err)
	}
	// fold in a uuid so tokens remain trivially distinguishable from
	// quids in logs despite sharing a generation mechanism.
	id := uuid.New()
	return hex.EncodeToString(buf) + hex.EncodeToString(id[:4]), nil
}
