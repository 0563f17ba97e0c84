// Package auth issues and verifies access tokens and manages credentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"bothost/pkg/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidToken       = errors.New("invalid token")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrAccountSuspended   = errors.New("account suspended")
	ErrWeakPassword       = errors.New("password does not meet requirements")
	ErrInvalidEmail       = errors.New("invalid email address")
)

const (
	issuer            = "bothost"
	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes; longer passwords are refused
	// rather than silently truncated.
	maxPasswordLength = 72
)

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uint) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	RecordLogin(ctx context.Context, id uint, at time.Time) error
	DefaultPlan(ctx context.Context) (*models.Plan, error)
}

// AuthService handles authentication and authorization
type AuthService struct {
	users       UserStore
	jwtSecret   []byte
	oldSecret   []byte
	tokenExpiry time.Duration
	bcryptCost  int
	dummyHash   []byte
}

// JWTClaims represents the JWT token claims
type JWTClaims struct {
	UserID uint   `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Token is an issued access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	TokenType   string    `json:"token_type"`
}

// Credentials is the body of register and login requests.
type Credentials struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Option configures an AuthService.
type Option func(*AuthService)

// WithTokenExpiry sets the access token lifetime.
func WithTokenExpiry(d time.Duration) Option { return func(a *AuthService) { a.tokenExpiry = d } }

// WithPreviousSecret accepts tokens signed with a retired key during rotation.
func WithPreviousSecret(secret string) Option {
	return func(a *AuthService) {
		if secret != "" {
			a.oldSecret = []byte(secret)
		}
	}
}

// WithBcryptCost overrides the hashing cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option { return func(a *AuthService) { a.bcryptCost = cost } }

// NewAuthService creates a new authentication service
func NewAuthService(users UserStore, jwtSecret string, opts ...Option) *AuthService {
	a := &AuthService{
		users:       users,
		jwtSecret:   []byte(jwtSecret),
		tokenExpiry: 24 * time.Hour,
		bcryptCost:  12,
	}
	for _, opt := range opts {
		opt(a)
	}
	// Compared against when the email is unknown so a failed login costs
	// the same either way.
	a.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("bothost-no-such-user"), a.bcryptCost)
	return a
}

// HashPassword hashes a password using bcrypt
func (a *AuthService) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), a.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// CheckPassword compares a password with its hash
func (a *AuthService) CheckPassword(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// ValidatePassword enforces the password policy.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return fmt.Errorf("%w: must be at most %d bytes", ErrWeakPassword, maxPasswordLength)
	}

	var hasLetter, hasDigit bool
	for _, c := range password {
		switch {
		case unicode.IsLetter(c):
			hasLetter = true
		case unicode.IsDigit(c):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return fmt.Errorf("%w: must contain letters and digits", ErrWeakPassword)
	}
	return nil
}

// NormalizeEmail lowercases and validates an address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || len(email) > 254 {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// Register creates a USER account on the default plan.
func (a *AuthService) Register(ctx context.Context, creds Credentials) (*models.User, error) {
	email, err := NormalizeEmail(creds.Email)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(creds.Password); err != nil {
		return nil, err
	}
	plan, err := a.users.DefaultPlan(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve default plan: %w", err)
	}
	hash, err := a.HashPassword(creds.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		Role:         models.RoleUser,
		Status:       models.UserStatusActive,
		PlanID:       plan.ID,
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login verifies credentials and issues an access token.
func (a *AuthService) Login(ctx context.Context, creds Credentials) (*models.User, *Token, error) {
	email, err := NormalizeEmail(creds.Email)
	if err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	user, err := a.users.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		_ = bcrypt.CompareHashAndPassword(a.dummyHash, []byte(creds.Password))
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, err
	}
	if err := a.CheckPassword(creds.Password, user.PasswordHash); err != nil {
		return nil, nil, err
	}
	if user.IsSuspended() {
		return nil, nil, ErrAccountSuspended
	}

	token, err := a.GenerateToken(user)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	if err := a.users.RecordLogin(ctx, user.ID, now); err == nil {
		user.LastLoginAt = &now
	}
	return user, token, nil
}

// GenerateToken issues an access token for user.
func (a *AuthService) GenerateToken(user *models.User) (*Token, error) {
	now := time.Now()
	expiresAt := now.Add(a.tokenExpiry)

	claims := &JWTClaims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   fmt.Sprintf("user:%d", user.ID),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &Token{
		AccessToken: signed,
		ExpiresAt:   expiresAt,
		TokenType:   "Bearer",
	}, nil
}

// ValidateToken validates and parses a JWT token. During key rotation a
// token signed with the previous secret is still accepted.
func (a *AuthService) ValidateToken(tokenString string) (*JWTClaims, error) {
	claims, err := a.parse(tokenString, a.jwtSecret)
	if err != nil && a.oldSecret != nil && !errors.Is(err, ErrTokenExpired) {
		claims, err = a.parse(tokenString, a.oldSecret)
	}
	return claims, err
}

func (a *AuthService) parse(tokenString string, secret []byte) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.UserID == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate resolves a token to its current user. Suspended accounts
// are rejected even while their tokens are unexpired.
func (a *AuthService) Authenticate(ctx context.Context, tokenString string) (*models.User, error) {
	claims, err := a.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	user, err := a.users.GetUser(ctx, claims.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if user.IsSuspended() {
		return nil, ErrAccountSuspended
	}
	return user, nil
}
