package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	UpstreamIssuer   = "shopsaas"
	UpstreamAudience = "chatbot-node"
	UpstreamRole     = "admin"
	upstreamTokenTTL = time.Hour
)

var (
	ErrJWTInvalid = fmt.Errorf("%w: jwt invalid", ErrAuthenticationFailed)
	ErrJWTExpired = fmt.Errorf("%w: jwt expired", ErrAuthenticationFailed)
)

// Claims son los claims de la credencial firmada entre la tienda y el servicio de bots.
type Claims struct {
	ShopID string `json:"shopId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator emite y valida credenciales de corta duración para llamadas servidor a servidor.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   UpstreamIssuer,
		audience: UpstreamAudience,
		ttl:      upstreamTokenTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Configured indica si hay secreto compartido.
func (s *Authenticator) Configured() bool {
	return s != nil && len(s.secret) > 0
}

// Issue firma una credencial para shopID con expiración de una hora.
func (s *Authenticator) Issue(shopID string) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}
	shopID = strings.TrimSpace(shopID)
	if shopID == "" {
		return "", ErrJWTInvalid
	}
	now := s.now()
	claims := Claims{
		ShopID: shopID,
		Role:   UpstreamRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   shopID,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify valida firma, emisor, audiencia y expiración y devuelve los claims.
func (s *Authenticator) Verify(tokenString string) (Claims, error) {
	if !s.Configured() {
		return Claims{}, ErrNotConfigured
	}
	if strings.TrimSpace(tokenString) == "" {
		return Claims{}, ErrJWTInvalid
	}
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	_, err := parser.ParseWithClaims(tokenString, &claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrJWTExpired
		}
		return Claims{}, ErrJWTInvalid
	}
	if strings.TrimSpace(claims.ShopID) == "" || claims.Subject != claims.ShopID {
		return Claims{}, ErrJWTInvalid
	}
	return claims, nil
}
