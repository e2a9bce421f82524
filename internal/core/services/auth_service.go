package services

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidOperatorKey = errors.New("invalid operator key")
)

// Role orders what a control API caller may do.
type Role string

const (
	// RoleViewer may read session state and follow the event stream.
	RoleViewer Role = "viewer"
	// RoleOperator may additionally start, stop and reconfigure the broadcast.
	RoleOperator Role = "operator"
)

var roleHierarchy = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
}

func (r Role) Valid() bool {
	_, ok := roleHierarchy[r]
	return ok
}

type AuthService interface {
	// IssueToken exchanges the static operator key for a signed token.
	IssueToken(operatorKey, subject string, role Role) (token string, expires time.Time, err error)
	ValidateToken(tokenString string) (*Claims, error)
	HasRole(claims *Claims, required Role) bool
}

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret      []byte
	operatorKey    []byte
	accessTokenTTL time.Duration
	clock          clock.Clock
}

func NewAuthService(jwtSecret, operatorKey string, accessTokenTTL time.Duration, clk clock.Clock) AuthService {
	if clk == nil {
		clk = clock.New()
	}
	return &authService{
		jwtSecret:      []byte(jwtSecret),
		operatorKey:    []byte(operatorKey),
		accessTokenTTL: accessTokenTTL,
		clock:          clk,
	}
}

func (s *authService) IssueToken(operatorKey, subject string, role Role) (string, time.Time, error) {
	if len(s.operatorKey) == 0 || subtle.ConstantTimeCompare([]byte(operatorKey), s.operatorKey) != 1 {
		return "", time.Time{}, ErrInvalidOperatorKey
	}
	if role == "" {
		role = RoleOperator
	}
	if !role.Valid() {
		return "", time.Time{}, ErrUnauthorized
	}
	if subject == "" {
		subject = "operator"
	}

	now := s.clock.Now()
	expires := now.Add(s.accessTokenTTL)
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Role.Valid() {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) HasRole(claims *Claims, required Role) bool {
	if claims == nil {
		return false
	}
	return roleHierarchy[claims.Role] >= roleHierarchy[required]
}
