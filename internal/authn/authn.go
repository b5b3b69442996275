// Package authn validates the credential presented in a HELLO frame,
// either a short-lived opaque token or a signed JWT checked against a
// cached, rotating signing-key set.
package authn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Kind classifies why a credential was rejected.
type Kind int

const (
	KindFailed Kind = iota
	KindExpired
)

// Error is a classified authentication failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func failedf(format string, args ...any) error {
	return &Error{Kind: KindFailed, Err: fmt.Errorf(format, args...)}
}

func expiredf(format string, args ...any) error {
	return &Error{Kind: KindExpired, Err: fmt.Errorf(format, args...)}
}

// Identity is what a successful verification yields.
type Identity struct {
	UserID      string
	DisplayName string // empty if the credential carried none
}

// KeySetProvider fetches the current signing-key set, keyed by key id.
// A Store-backed or HTTP-backed implementation can satisfy this.
type KeySetProvider interface {
	FetchKeySet(ctx context.Context) (map[string][]byte, error)
}

// opaqueClaims is the payload of the base64 opaque-token path.
type opaqueClaims struct {
	DisplayName string `json:"display_name"`
	UserID      string `json:"user_id"`
	IssuedAt    int64  `json:"issued_at"`
}

// jwtClaims is the claim set of a signed token. jwt.ParseWithClaims
// requires and validates expiry, and validates issuer and audience only
// when the Verifier was built with non-empty values for them; a missing
// subject is rejected after parsing.
type jwtClaims struct {
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

const (
	opaqueMaxAge = 24 * time.Hour
	clockSkew    = 30 * time.Second
)

// Verifier validates HELLO credentials. The signing-key set is
// process-wide cache state with time-based expiry and rotation-on-failure
// refresh; concurrent refreshes collapse to one in-flight fetch.
type Verifier struct {
	provider KeySetProvider
	ttl      time.Duration
	issuer   string
	audience string
	logger   zerolog.Logger

	mu        sync.RWMutex
	keys      map[string][]byte
	fetchedAt time.Time

	refreshMu    sync.Mutex
	refreshGroup *refreshCall
}

type refreshCall struct {
	done chan struct{}
	err  error
}

// New builds a Verifier. issuer/audience are the expected registered
// claims for the signed-token path; leave either empty to skip that check.
func New(provider KeySetProvider, ttl time.Duration, issuer, audience string, logger zerolog.Logger) *Verifier {
	return &Verifier{
		provider: provider,
		ttl:      ttl,
		issuer:   issuer,
		audience: audience,
		logger:   logger.With().Str("component", "authn").Logger(),
	}
}

// VerifyOpaque validates the base64 {display_name,user_id,issued_at}
// payload used for display-name-only admission. No signature is checked;
// the only guard is a 24h max age.
func (v *Verifier) VerifyOpaque(token string) (Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return Identity{}, failedf("opaque token: invalid base64: %w", err)
		}
	}

	var claims opaqueClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Identity{}, failedf("opaque token: invalid payload: %w", err)
	}
	if claims.UserID == "" {
		return Identity{}, failedf("opaque token: missing user_id")
	}

	issued := time.Unix(claims.IssuedAt, 0)
	if time.Since(issued) > opaqueMaxAge {
		return Identity{}, expiredf("opaque token: issued %s ago, exceeds %s max age", time.Since(issued), opaqueMaxAge)
	}
	if issued.After(time.Now().Add(clockSkew)) {
		return Identity{}, failedf("opaque token: issued_at is in the future")
	}

	return Identity{UserID: claims.UserID, DisplayName: claims.DisplayName}, nil
}

// VerifyJWT validates a signed token against the cached key set. On a
// signature-verification failure (unknown key id or invalid signature),
// the cache is invalidated and refetched once before the credential is
// finally rejected.
func (v *Verifier) VerifyJWT(ctx context.Context, token string) (Identity, error) {
	ident, err := v.verifyJWTOnce(token)
	if err == nil {
		return ident, nil
	}
	if !errors.Is(err, errUnknownKey) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return Identity{}, err
	}

	v.invalidate()
	if _, refreshErr := v.keySet(ctx); refreshErr != nil {
		return Identity{}, failedf("jwt: key set refresh failed: %w", refreshErr)
	}

	ident, err = v.verifyJWTOnce(token)
	if err != nil {
		if errors.Is(err, errUnknownKey) {
			return Identity{}, failedf("jwt: unknown signing key after refresh")
		}
		return Identity{}, err
	}
	return ident, nil
}

var errUnknownKey = errors.New("authn: unknown signing key")

func (v *Verifier) verifyJWTOnce(token string) (Identity, error) {
	keys, err := v.keySet(context.Background())
	if err != nil {
		return Identity{}, failedf("jwt: key set unavailable: %w", err)
	}

	claims := &jwtClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[kid]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	}, jwt.WithLeeway(clockSkew), jwt.WithExpirationRequired(), jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience))

	if err != nil {
		if errors.Is(err, errUnknownKey) {
			return Identity{}, errUnknownKey
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, expiredf("jwt: token expired: %w", err)
		}
		return Identity{}, failedf("jwt: invalid token: %w", err)
	}
	if !parsed.Valid {
		return Identity{}, failedf("jwt: token failed validation")
	}
	if claims.Subject == "" {
		return Identity{}, failedf("jwt: missing subject claim")
	}

	return Identity{UserID: claims.Subject, DisplayName: claims.DisplayName}, nil
}

// keySet returns the cached key set, refreshing it if stale. Concurrent
// callers collapse onto the same in-flight fetch.
func (v *Verifier) keySet(ctx context.Context) (map[string][]byte, error) {
	v.mu.RLock()
	fresh := v.keys != nil && time.Since(v.fetchedAt) < v.ttl
	keys := v.keys
	v.mu.RUnlock()
	if fresh {
		return keys, nil
	}
	return v.refresh(ctx)
}

func (v *Verifier) invalidate() {
	v.mu.Lock()
	v.keys = nil
	v.mu.Unlock()
}

func (v *Verifier) refresh(ctx context.Context) (map[string][]byte, error) {
	v.refreshMu.Lock()
	if call := v.refreshGroup; call != nil {
		v.refreshMu.Unlock()
		<-call.done
		if call.err != nil {
			return nil, call.err
		}
		v.mu.RLock()
		defer v.mu.RUnlock()
		return v.keys, nil
	}

	// A fetch that finished after this caller saw a stale cache has
	// already refreshed it.
	v.mu.RLock()
	if v.keys != nil && time.Since(v.fetchedAt) < v.ttl {
		keys := v.keys
		v.mu.RUnlock()
		v.refreshMu.Unlock()
		return keys, nil
	}
	v.mu.RUnlock()

	call := &refreshCall{done: make(chan struct{})}
	v.refreshGroup = call
	v.refreshMu.Unlock()

	keys, err := v.provider.FetchKeySet(ctx)

	if err == nil {
		v.mu.Lock()
		v.keys = keys
		v.fetchedAt = time.Now()
		v.mu.Unlock()
	}

	v.refreshMu.Lock()
	v.refreshGroup = nil
	v.refreshMu.Unlock()

	if err != nil {
		call.err = err
		close(call.done)
		return nil, fmt.Errorf("fetch key set: %w", err)
	}

	close(call.done)
	return keys, nil
}
