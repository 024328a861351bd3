// Package session resolves a usable credential before any
// authenticated platform call: the SSO cookie session first, then the
// stored token pair, refreshing it when expired. Both failing, the
// member is sent back to login and the call never runs.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"assembly/client/internal/auth"
	"assembly/client/internal/storage"
)

const tokensKey = "assembly.session.tokens"

// expirySkew treats an access token about to expire as already expired
// so the refresh happens before the platform rejects a call.
const expirySkew = 30 * time.Second

// ErrUnauthenticated means no credential path produced a usable token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity describes the signed-in member.
type Identity struct {
	UserID           string `json:"userId"`
	DisplayName      string `json:"displayName"`
	MembershipStatus string `json:"membershipStatus"`
	Principal        string `json:"principal"`
}

// TokenPair is the platform-issued access/refresh credential. Both
// tokens rotate together on refresh.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// valid prefers the exp claim embedded in the access token; a token
// whose payload does not decode falls back to the platform-reported
// timestamp.
func (p TokenPair) valid(now time.Time) bool {
	if p.AccessToken == "" {
		return false
	}
	if claims, err := auth.DecodeClaims(p.AccessToken); err == nil {
		return !claims.Expired(now, expirySkew)
	}
	return now.Before(p.ExpiresAt)
}

// API is the slice of the platform client the orchestrator needs.
type API interface {
	// SSOSession exchanges the cookie session for an identity and a
	// short-lived access token.
	SSOSession(ctx context.Context) (Identity, string, error)
	// Refresh rotates the token pair.
	Refresh(ctx context.Context, refreshToken string) (TokenPair, Identity, error)
	// MemberProfile fetches the member behind an access token.
	MemberProfile(ctx context.Context, accessToken string) (Identity, error)
}

// Orchestrator serializes credential resolution in front of
// authenticated calls. Concurrent callers share one resolution at a
// time; the ops themselves run unlocked.
type Orchestrator struct {
	api             API
	kv              storage.KV
	cacheTTL        time.Duration
	onLoginRedirect func()

	mu    sync.Mutex
	cache statusCache
	now   func() time.Time
}

type statusCache struct {
	identity  Identity
	ownerID   string
	fetchedAt time.Time
}

// New builds an orchestrator. onLoginRedirect fires when every
// credential path has failed; nil is allowed.
func New(api API, kv storage.KV, cacheTTL time.Duration, onLoginRedirect func()) *Orchestrator {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Orchestrator{
		api:             api,
		kv:              kv,
		cacheTTL:        cacheTTL,
		onLoginRedirect: onLoginRedirect,
		now:             time.Now,
	}
}

// GuardedCall resolves a credential and runs op with it. When no path
// yields a token, op never runs, the login redirect fires, and
// ErrUnauthenticated is returned.
func (o *Orchestrator) GuardedCall(ctx context.Context, op func(ctx context.Context, accessToken string, identity Identity) error) error {
	token, identity, err := o.resolve(ctx)
	if err != nil {
		if o.onLoginRedirect != nil {
			o.onLoginRedirect()
		}
		return err
	}
	return op(ctx, token, identity)
}

// resolve tries SSO, then the stored pair, then exactly one refresh.
// A successful path replaces the status cache wholesale, so a different
// member signing in voids the previous member's cache.
func (o *Orchestrator) resolve(ctx context.Context) (string, Identity, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	identity, token, ssoErr := o.api.SSOSession(ctx)
	if ssoErr == nil {
		o.cache = statusCache{identity: identity, ownerID: identity.UserID, fetchedAt: o.now()}
		return token, identity, nil
	}

	pair, ok := o.loadTokens()
	if !ok {
		return "", Identity{}, fmt.Errorf("%w: sso failed and no stored tokens: %v", ErrUnauthenticated, ssoErr)
	}
	now := o.now()
	if pair.valid(now) {
		identity, err := o.api.MemberProfile(ctx, pair.AccessToken)
		if err == nil {
			o.cache = statusCache{identity: identity, ownerID: identity.UserID, fetchedAt: now}
			return pair.AccessToken, identity, nil
		}
		log.Printf("session: stored access token rejected, refreshing: %v", err)
	}

	// One refresh attempt, no retries. Failure clears the stored pair
	// so a broken refresh token is never retried in a loop.
	fresh, identity, err := o.api.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		o.ClearTokens()
		return "", Identity{}, fmt.Errorf("%w: refresh failed: %v", ErrUnauthenticated, err)
	}
	o.SetTokens(fresh)
	o.cache = statusCache{identity: identity, ownerID: identity.UserID, fetchedAt: o.now()}
	return fresh.AccessToken, identity, nil
}

// Status returns the member identity, served from cache inside the TTL.
// The cache is trusted only while the stored access token still belongs
// to the same member; another instance rotating the pair to a different
// member voids it immediately.
func (o *Orchestrator) Status(ctx context.Context) (Identity, error) {
	o.mu.Lock()
	if owner := o.storedOwner(); owner != "" && owner != o.cache.ownerID {
		o.cache = statusCache{}
	}
	if o.cache.ownerID != "" && o.now().Sub(o.cache.fetchedAt) < o.cacheTTL {
		identity := o.cache.identity
		o.mu.Unlock()
		return identity, nil
	}
	o.mu.Unlock()

	var out Identity
	err := o.GuardedCall(ctx, func(ctx context.Context, token string, identity Identity) error {
		out = identity
		return nil
	})
	return out, err
}

// SetTokens persists the pair in a single write so another instance
// never observes a half-rotated credential.
func (o *Orchestrator) SetTokens(pair TokenPair) {
	data, err := json.Marshal(pair)
	if err != nil {
		log.Printf("session: marshal tokens: %v", err)
		return
	}
	if err := o.kv.SetItem(tokensKey, string(data)); err != nil {
		log.Printf("session: persist tokens: %v", err)
	}
}

// ClearTokens removes the stored pair. Resolution fails closed until a
// new sign-in.
func (o *Orchestrator) ClearTokens() {
	o.kv.RemoveItem(tokensKey)
}

// Logout clears tokens and the status cache.
func (o *Orchestrator) Logout() {
	o.ClearTokens()
	o.mu.Lock()
	o.cache = statusCache{}
	o.mu.Unlock()
}

// storedOwner reports the sub claim of the stored access token, or ""
// when nothing usable is stored.
func (o *Orchestrator) storedOwner() string {
	pair, ok := o.loadTokens()
	if !ok {
		return ""
	}
	claims, err := auth.DecodeClaims(pair.AccessToken)
	if err != nil {
		return ""
	}
	return claims.Sub
}

func (o *Orchestrator) loadTokens() (TokenPair, bool) {
	raw, ok := o.kv.GetItem(tokensKey)
	if !ok {
		return TokenPair{}, false
	}
	var pair TokenPair
	if err := json.Unmarshal([]byte(raw), &pair); err != nil {
		log.Printf("session: corrupt stored tokens, clearing: %v", err)
		o.kv.RemoveItem(tokensKey)
		return TokenPair{}, false
	}
	if pair.RefreshToken == "" {
		return TokenPair{}, false
	}
	return pair, true
}
