// Package identity verifies bearer tokens and maintains the users table
// that links authenticated callers to loyalty members.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lumenretail/loyalty/pkg/loyalty"
)

// ErrInvalidProviderConfig reports a Provider constructed with missing settings.
var ErrInvalidProviderConfig = errors.New("invalid identity provider configuration")

// ErrInvalidToken reports a token that failed verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload accepted by the verifier. The subject carries
// the user id; email is a custom claim.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// User is a provisioned identity row keyed by lowercased email.
type User struct {
	UserID    string    `gorm:"type:uuid;primaryKey;column:user_id"`
	Email     string    `gorm:"not null;uniqueIndex:uniq_user_email"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName fixes the table name regardless of gorm naming strategy.
func (User) TableName() string {
	return "users"
}

// BeforeCreate assigns a uuid primary key when absent.
func (user *User) BeforeCreate(*gorm.DB) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	return nil
}

// Config carries the settings for a Provider.
type Config struct {
	// SigningKey verifies HS256 token signatures.
	SigningKey []byte
	// Issuer must match the token iss claim.
	Issuer string
	// DB backs EnsureUser. Required.
	DB *gorm.DB
}

// Provider implements loyalty.Identity with HS256 JWTs and a users table.
type Provider struct {
	signingKey []byte
	issuer     string
	db         *gorm.DB
}

// NewProvider validates the configuration and returns a Provider.
func NewProvider(config Config) (*Provider, error) {
	if len(config.SigningKey) == 0 {
		return nil, fmt.Errorf("%w: missing signing key", ErrInvalidProviderConfig)
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("%w: missing issuer", ErrInvalidProviderConfig)
	}
	if config.DB == nil {
		return nil, fmt.Errorf("%w: missing database", ErrInvalidProviderConfig)
	}
	return &Provider{
		signingKey: config.SigningKey,
		issuer:     config.Issuer,
		db:         config.DB,
	}, nil
}

// VerifyToken parses and validates a bearer token and returns the caller
// identity from its claims.
func (provider *Provider) VerifyToken(_ context.Context, token string) (loyalty.IdentityInfo, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return provider.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(provider.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return loyalty.IdentityInfo{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return loyalty.IdentityInfo{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return loyalty.IdentityInfo{
		UserID: claims.Subject,
		Email:  strings.ToLower(strings.TrimSpace(claims.Email)),
	}, nil
}

// EnsureUser returns the user id for an email, provisioning the row on
// first sight. Concurrent calls for the same email converge on one row.
func (provider *Provider) EnsureUser(ctx context.Context, email loyalty.Email) (string, error) {
	user := User{Email: email.String()}
	result := provider.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoNothing: true,
		}).
		Where(User{Email: email.String()}).
		FirstOrCreate(&user)
	if result.Error != nil {
		return "", fmt.Errorf("ensure user: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// A concurrent writer inserted this email between the lookup and the
		// insert. The hook-assigned id was never persisted, so re-read the
		// winner's row.
		if err := provider.db.WithContext(ctx).Where(User{Email: email.String()}).First(&user).Error; err != nil {
			return "", fmt.Errorf("ensure user: %w", err)
		}
	}
	return user.UserID, nil
}
