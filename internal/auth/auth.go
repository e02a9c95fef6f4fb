// Package auth resolves a connecting client's identity and room permission
// from a bearer token. Production verification is JWT/JWKS-backed; a
// dev-mode checker is provided for local runs with SKIP_AUTH=true.
package auth

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/crdtsync/yredis-go/internal/logging"
	"github.com/crdtsync/yredis-go/internal/types"
)

// Result is what a successful AuthCheck yields.
type Result struct {
	UserID     types.ClientIDType
	Permission types.PermissionType
}

// Checker is the abstraction the gateway depends on: AuthCheck(token, room).
type Checker interface {
	AuthCheck(ctx context.Context, token string, room types.RoomIDType) (Result, error)
}

// CustomClaims is the JWT payload this system expects: a subject (user id)
// and an optional room-scoped permission claim.
type CustomClaims struct {
	Permission string `json:"perm,omitempty"`
	Name       string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWKSChecker validates bearer tokens against a JWKS endpoint, mirroring the
// teacher's Auth0 validator.
type JWKSChecker struct {
	keyFunc jwt.Keyfunc
	issuer  string
}

// NewJWKSChecker builds a Checker that resolves signing keys from the JWKS
// document published at https://domain/.well-known/jwks.json, refreshed on
// an hourly cache.
func NewJWKSChecker(ctx context.Context, domain string) (*JWKSChecker, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}
	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithRefreshInterval(1*time.Hour)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &JWKSChecker{keyFunc: keyFunc, issuer: issuerURL.String()}, nil
}

// AuthCheck validates tokenString and returns the caller's userid and
// permission for room. Permission defaults to read-write unless the token
// carries an explicit "perm" claim of "read-only" or "denied".
func (j *JWKSChecker) AuthCheck(ctx context.Context, tokenString string, room types.RoomIDType) (Result, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, j.keyFunc, jwt.WithIssuer(j.issuer))
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return Result{}, fmt.Errorf("token is invalid")
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return Result{}, fmt.Errorf("failed to cast claims")
	}
	return Result{
		UserID:     types.ClientIDType(claims.Subject),
		Permission: permissionFromClaim(claims.Permission),
	}, nil
}

func permissionFromClaim(claim string) types.PermissionType {
	switch claim {
	case "read-only":
		return types.PermissionReadOnly
	case "denied":
		return types.PermissionDenied
	default:
		return types.PermissionReadWrite
	}
}

// DevChecker accepts any token string. When the token parses as a JWT with a
// subject claim, the user id is that unverified subject; otherwise it falls
// back to a stable anonymous id. It must never be wired when SKIP_AUTH is unset.
type DevChecker struct{}

// AuthCheck implements Checker without verifying a signature.
func (DevChecker) AuthCheck(ctx context.Context, tokenString string, room types.RoomIDType) (Result, error) {
	subject := "dev-user"
	parser := jwt.NewParser()
	var claims CustomClaims
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err == nil && claims.Subject != "" {
		subject = claims.Subject
	}
	logging.Warn(ctx, "auth check running in dev mode, token signature not verified")
	return Result{UserID: types.ClientIDType(subject), Permission: types.PermissionReadWrite}, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin allowlist from
// envVarName, falling back to defaultEnvs (and logging a warning) when unset.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s not set, using default origins", envVarName))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
