// ABOUTME: Token authority issuing and verifying HS256 JWT pairs for agents
// ABOUTME: Verification order is signature, expiry, token type, then revocation

package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/synaptiq/synapse-hub/internal/store"
)

// Token errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrRevokedToken   = errors.New("token revoked")
	ErrWrongTokenType = errors.New("wrong token type")
	ErrMissingClaim   = errors.New("missing required claim")
	ErrUnknownAgent   = errors.New("unknown agent")
)

// Token type claim values
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Default token lifetimes
const (
	DefaultAccessTTL  = 60 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Identity is the verified claim set extracted from a token.
type Identity struct {
	AIID     int64
	Name     string
	Nickname string
	Type     string
}

// Authority issues, refreshes, and verifies token pairs. All issued pairs
// are persisted so revocation can be checked during verification.
type Authority struct {
	store      store.Store
	signingKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger

	// StrictPresence rejects tokens whose signature verifies but whose
	// persisted pair row is gone (e.g. swept after expiry of a sibling).
	// Off by default: a well-signed unexpired token remains usable.
	StrictPresence bool
}

// Config holds authority construction parameters.
type Config struct {
	MasterSecret   []byte
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	StrictPresence bool
}

// NewAuthority creates a token authority backed by the given store.
// The signing key is derived from cfg.MasterSecret, never used raw.
func NewAuthority(st store.Store, cfg Config, logger *slog.Logger) (*Authority, error) {
	key, err := DeriveSigningKey(cfg.MasterSecret)
	if err != nil {
		return nil, err
	}

	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	if accessTTL > refreshTTL {
		return nil, fmt.Errorf("access TTL %v exceeds refresh TTL %v", accessTTL, refreshTTL)
	}

	return &Authority{
		store:          st,
		signingKey:     key,
		accessTTL:      accessTTL,
		refreshTTL:     refreshTTL,
		logger:         logger.With("component", "token"),
		StrictPresence: cfg.StrictPresence,
	}, nil
}

// Issue creates and persists a new access/refresh pair for a registered
// agent. Returns ErrUnknownAgent when the agent does not exist.
func (a *Authority) Issue(ctx context.Context, aiID int64) (*store.TokenPair, error) {
	agent, err := a.store.GetAgent(ctx, aiID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownAgent
		}
		return nil, fmt.Errorf("loading agent: %w", err)
	}

	now := time.Now().UTC()
	access, err := a.sign(agent, TypeAccess, now, now.Add(a.accessTTL))
	if err != nil {
		return nil, err
	}
	refresh, err := a.sign(agent, TypeRefresh, now, now.Add(a.refreshTTL))
	if err != nil {
		return nil, err
	}

	pair := &store.TokenPair{
		Access:           access,
		Refresh:          refresh,
		AIID:             aiID,
		IssuedAt:         now,
		AccessExpiresAt:  now.Add(a.accessTTL),
		RefreshExpiresAt: now.Add(a.refreshTTL),
	}
	if err := a.store.SaveTokenPair(ctx, pair); err != nil {
		return nil, err
	}

	a.logger.Info("issued token pair", "ai_id", aiID, "ai_name", agent.Name)
	return pair, nil
}

// Verify validates an access token and returns the identity it carries.
// Checks run in a fixed order: signature, expiry, token type, revocation.
// A token whose expiry instant has arrived is already expired.
func (a *Authority) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	return a.verify(ctx, tokenString, TypeAccess)
}

func (a *Authority) verify(ctx context.Context, tokenString, wantType string) (*Identity, error) {
	identity, expiresAt, err := a.parse(tokenString)
	if err != nil {
		return nil, err
	}

	if !time.Now().UTC().Before(expiresAt) {
		return nil, ErrExpiredToken
	}

	if identity.Type != wantType {
		return nil, fmt.Errorf("%w: have %q, want %q", ErrWrongTokenType, identity.Type, wantType)
	}

	pair, err := a.store.FindTokenPair(ctx, tokenString)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if a.StrictPresence {
				return nil, fmt.Errorf("%w: not on record", ErrInvalidToken)
			}
			return identity, nil
		}
		return nil, fmt.Errorf("checking revocation: %w", err)
	}
	if pair.IsRevoked {
		return nil, ErrRevokedToken
	}

	return identity, nil
}

// Refresh issues a replacement access token against a valid refresh token.
// The refresh token itself is not rotated and stays valid until its own
// expiry or revocation.
func (a *Authority) Refresh(ctx context.Context, refreshToken string) (*store.TokenPair, error) {
	identity, err := a.verify(ctx, refreshToken, TypeRefresh)
	if err != nil {
		return nil, err
	}

	pair, err := a.store.FindTokenPair(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: refresh pair not on record", ErrInvalidToken)
		}
		return nil, err
	}

	agent, err := a.store.GetAgent(ctx, identity.AIID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownAgent
		}
		return nil, fmt.Errorf("loading agent: %w", err)
	}

	now := time.Now().UTC()
	access, err := a.sign(agent, TypeAccess, now, now.Add(a.accessTTL))
	if err != nil {
		return nil, err
	}

	if err := a.store.RotateAccessToken(ctx, pair.ID, access, now.Add(a.accessTTL)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRevokedToken
		}
		return nil, err
	}

	pair.Access = access
	pair.AccessExpiresAt = now.Add(a.accessTTL)

	a.logger.Info("refreshed access token", "ai_id", identity.AIID)
	return pair, nil
}

// Revoke revokes the pair containing the given token. Idempotent.
func (a *Authority) Revoke(ctx context.Context, tokenString string) error {
	return a.store.RevokeToken(ctx, tokenString)
}

// RevokeAll revokes every live pair for an agent and returns the count.
func (a *Authority) RevokeAll(ctx context.Context, aiID int64) (int64, error) {
	return a.store.RevokeAllTokens(ctx, aiID)
}

// SweepExpired removes pairs whose access and refresh expiries have both
// passed. Intended for periodic maintenance.
func (a *Authority) SweepExpired(ctx context.Context) (int64, error) {
	return a.store.SweepExpiredTokens(ctx, time.Now().UTC())
}

// sign builds and signs one token. Expiry is enforced manually during
// verification, so claims here are informational to other parsers too.
// The jti keeps same-second pairs for one agent distinct; iat and exp
// alone only have second precision.
func (a *Authority) sign(agent *store.Agent, tokenType string, issuedAt, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"jti":         uuid.NewString(),
		"ai_id":       agent.ID,
		"ai_name":     agent.Name,
		"ai_nickname": agent.Nickname,
		"type":        tokenType,
		"iat":         issuedAt.Unix(),
		"exp":         expiresAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", tokenType, err)
	}
	return signed, nil
}

// parse checks the signature and extracts claims. The library's own expiry
// validation is disabled; verify applies the closed-bound check instead.
func (a *Authority) parse(tokenString string) (*Identity, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.signingKey, nil
	}, jwt.WithoutClaimsValidation())

	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, time.Time{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, time.Time{}, ErrInvalidToken
	}

	aiID, ok := claims["ai_id"].(float64)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: ai_id", ErrMissingClaim)
	}
	tokenType, ok := claims["type"].(string)
	if !ok || tokenType == "" {
		return nil, time.Time{}, fmt.Errorf("%w: type", ErrMissingClaim)
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: exp", ErrMissingClaim)
	}

	name, _ := claims["ai_name"].(string)
	nickname, _ := claims["ai_nickname"].(string)

	identity := &Identity{
		AIID:     int64(aiID),
		Name:     name,
		Nickname: nickname,
		Type:     tokenType,
	}
	return identity, time.Unix(int64(exp), 0), nil
}
