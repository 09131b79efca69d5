// Package identity implements the Identity Gate (L10): authenticating an
// inbound connection before it is admitted as a ClientSession (spec.md
// §4.10).
//
// JWT issuance/validation is grounded on internal/relay/jwt.go
// (ES256-signed github.com/golang-jwt/jwt/v5 claims, PEM-or-base64-DER
// key loading). Capability levels are grounded on internal/config/wing.go's
// IsAdmin/owner-vs-member distinction, generalized to spec.md's two-level
// {member, admin} capability set. Credential bootstrap (signing-key
// generation and a local session-token login against the account store)
// lives in the `roost auth` CLI verb rather than in the Gate itself; there
// is no device-code flow. Credential issuance is out of the Gate's own
// scope (spec.md §1 scopes the Gate to admission, not
// enrollment).
package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net"
	"time"

	"github.com/anselm-vey/roost/internal/repository"
	"github.com/anselm-vey/roost/internal/rerr"
	"github.com/golang-jwt/jwt/v5"
)

// Capability is a ClientSession's admitted privilege level.
type Capability string

const (
	CapabilityMember Capability = "member"
	CapabilityAdmin  Capability = "admin"
)

// Principal is the authenticated (or anonymous) identity attached to a
// ClientSession once admission succeeds.
type Principal struct {
	ID         string
	Capability Capability
	Anonymous  bool
}

// SessionClaims are the ES256 JWT claims issued for a session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	Capability string `json:"cap,omitempty"`
}

// Gate is the Identity Gate.
type Gate struct {
	authDisabled bool
	key          *ecdsa.PrivateKey
	pubKey       *ecdsa.PublicKey
	store        repository.Store
}

// Config configures a Gate.
type Config struct {
	AuthDisabled       bool
	SigningKeyPEMOrDER string
	Store              repository.Store
}

// New constructs a Gate. If cfg.SigningKeyPEMOrDER is empty a fresh P-256
// key is generated (ephemeral — sessions do not survive a restart).
func New(cfg Config) (*Gate, error) {
	g := &Gate{authDisabled: cfg.AuthDisabled, store: cfg.Store}

	var key *ecdsa.PrivateKey
	var err error
	if cfg.SigningKeyPEMOrDER != "" {
		key, err = parseECKey(cfg.SigningKeyPEMOrDER)
	} else {
		key, _, err = GenerateECKey()
	}
	if err != nil {
		return nil, err
	}
	g.key = key
	g.pubKey = &key.PublicKey

	return g, nil
}

// GenerateECKey creates a new P-256 private key and its base64-DER
// encoding, for `roost auth keygen`-style bootstrap.
func GenerateECKey() (*ecdsa.PrivateKey, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate ec key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("marshal ec key: %w", err)
	}
	return key, base64.StdEncoding.EncodeToString(der), nil
}

func parseECKey(data string) (*ecdsa.PrivateKey, error) {
	if block, _ := pem.Decode([]byte(data)); block != nil {
		return x509.ParseECPrivateKey(block.Bytes)
	}
	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 ec key: %w", err)
	}
	return x509.ParseECPrivateKey(der)
}

// IssueSessionToken signs a session token for the given account.
func (g *Gate) IssueSessionToken(ctx context.Context, accountID string, cap Capability, ttl time.Duration) (string, error) {
	exp := time.Now().Add(ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Capability: string(cap),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(g.key)
	if err != nil {
		return "", rerr.Wrap(rerr.KindUnauthorized, fmt.Errorf("sign session token: %w", err))
	}
	if issuer, ok := g.store.(repository.SessionIssuer); ok {
		if err := issuer.CreateSession(ctx, signed, accountID, exp); err != nil {
			return "", err
		}
	}
	return signed, nil
}

func (g *Gate) validateToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.pubKey, nil
	})
	if err != nil {
		return nil, rerr.Wrap(rerr.KindUnauthorized, fmt.Errorf("parse session token: %w", err))
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, rerr.New(rerr.KindUnauthorized, "invalid session token")
	}
	return claims, nil
}

// Admit authenticates an inbound connection and returns the Principal to
// attach to its ClientSession (spec.md §4.10).
//
// Precedence: a loopback remote address always bypasses credential checks
// and is admitted with CapabilityAdmin — this bypass is not configurable.
// Otherwise, if auth is globally disabled every connection is admitted
// anonymously with CapabilityAdmin. Otherwise the bearer token is
// validated against the Repository's SessionVerify.
func (g *Gate) Admit(ctx context.Context, remoteAddr net.Addr, bearerToken string) (Principal, error) {
	if host, _, err := net.SplitHostPort(remoteAddr.String()); err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return Principal{ID: "loopback", Capability: CapabilityAdmin, Anonymous: true}, nil
		}
	}

	if g.authDisabled {
		return Principal{ID: "anonymous", Capability: CapabilityAdmin, Anonymous: true}, nil
	}

	if bearerToken == "" {
		return Principal{}, rerr.New(rerr.KindUnauthorized, "missing bearer token")
	}

	claims, err := g.validateToken(bearerToken)
	if err != nil {
		return Principal{}, err
	}

	if g.store != nil {
		if _, err := g.store.SessionVerify(ctx, bearerToken); err != nil {
			return Principal{}, err
		}
	}

	cap := Capability(claims.Capability)
	if cap == "" {
		cap = CapabilityMember
	}
	return Principal{ID: claims.Subject, Capability: cap}, nil
}

// IsAdmin reports whether p carries administrator capability, mirroring
// the reference's WingConfig.IsAdmin owner-vs-member check.
func (p Principal) IsAdmin() bool { return p.Capability == CapabilityAdmin }
