package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"livelocation/pkg/types"
)

// Claims mirrors what the login service signs: the user id and phone number.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string `json:"userId,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Identity resolves the subject of the credential. userId wins, then the
// registered subject, then the phone number.
func (c *Claims) Identity() string {
	for _, candidate := range []string{c.UserID, c.Subject, c.PhoneNumber} {
		if s := strings.TrimSpace(candidate); s != "" {
			return s
		}
	}
	return ""
}

// JWTVerifier validates HS256 credentials signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTVerifier builds a verifier. An empty issuer disables the iss check.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTVerifier{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}, nil
}

// Verify returns the identity carried by token. Every failure wraps
// types.ErrAuth so the gate can reject the handshake uniformly.
func (v *JWTVerifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: missing token", types.ErrAuth)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", mapJWTError(err)
	}

	identity := claims.Identity()
	if identity == "" {
		return "", fmt.Errorf("%w: token carries no identity", types.ErrAuth)
	}
	if !types.IsValidIdentity(identity) {
		return "", fmt.Errorf("%w: malformed identity", types.ErrAuth)
	}
	return identity, nil
}

// Issue signs a credential for identity. Used by the dev token command and tests.
func (v *JWTVerifier) Issue(identity, phoneNumber string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		UserID:      identity,
		PhoneNumber: phoneNumber,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: token expired", types.ErrAuth)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: token not active yet", types.ErrAuth)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: invalid signature", types.ErrAuth)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: issuer mismatch", types.ErrAuth)
	case errors.Is(err, jwt.ErrTokenUnverifiable), errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: malformed token", types.ErrAuth)
	default:
		return fmt.Errorf("%w: %v", types.ErrAuth, err)
	}
}
