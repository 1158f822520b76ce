package mesh

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crawlmesh/crawlmesh/core"
)

// TokenWindow is how far a token's issue time may lie from the verifier's
// clock, in either direction. Stale tokens and forward clock skew are
// rejected equally.
const TokenWindow = 60 * time.Second

// meshClaims is the signed token payload. Only the issuing node and the
// issue time matter; expiry is enforced by the window check, not exp.
type meshClaims struct {
	NodeID string `json:"node_id"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies inter-node tokens with a shared secret
// (HMAC-SHA256). It never logs the secret or raw tokens.
type Authenticator struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

// AuthOptions holds overrides for NewAuthenticator.
type AuthOptions struct {
	// Window replaces TokenWindow.
	Window time.Duration
	// Now injects a clock for tests.
	Now func() time.Time
}

// NewAuthenticator creates an Authenticator over the mesh shared secret.
func NewAuthenticator(secret []byte, optFns ...func(o *AuthOptions)) *Authenticator {
	opts := AuthOptions{Window: TokenWindow, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Authenticator{secret: secret, window: opts.Window, now: opts.Now}
}

// Sign issues a token identifying nodeID, stamped with the current time.
func (a *Authenticator) Sign(nodeID string) (string, error) {
	claims := meshClaims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(a.now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", core.WrapError(core.ErrCodeAuth, err, "sign mesh token")
	}
	return token, nil
}

// Verify checks the token signature and issue-time window, returning the
// signing node's ID. Any failure is auth_error, not retriable. The HMAC
// comparison inside the JWT library is constant time.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	var claims meshClaims
	token, err := jwt.ParseWithClaims(
		tokenString,
		&claims,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, core.NewError(core.ErrCodeAuth, "unexpected signing method %v", token.Header["alg"])
			}
			return a.secret, nil
		},
		// Window enforcement below replaces the library's iat/exp checks so
		// forward skew and staleness are rejected symmetrically.
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !token.Valid {
		return "", core.NewError(core.ErrCodeAuth, "invalid mesh token")
	}
	if claims.IssuedAt == nil {
		return "", core.NewError(core.ErrCodeAuth, "mesh token missing issue time")
	}

	drift := a.now().Sub(claims.IssuedAt.Time)
	if drift < 0 {
		drift = -drift
	}
	if drift > a.window {
		return "", core.NewError(core.ErrCodeAuth, "mesh token outside %s window", a.window)
	}
	if claims.NodeID == "" {
		return "", core.NewError(core.ErrCodeAuth, "mesh token missing node id")
	}
	return claims.NodeID, nil
}
