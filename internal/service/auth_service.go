package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiroku-app/kiroku-api/internal/models"
	"github.com/kiroku-app/kiroku-api/internal/repository"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByProviderSubject(ctx context.Context, provider models.AuthProvider, subject string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpsertFederated(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id string) error
}

type authTokenRepository interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByToken(ctx context.Context, token string) (*models.RefreshToken, error)
	Rotate(ctx context.Context, oldToken string, next *models.RefreshToken) error
	Revoke(ctx context.Context, id string) error
	MarkReused(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	RevokeJTI(ctx context.Context, jti, userID string) error
	IsJTIRevoked(ctx context.Context, jti string) (bool, error)
}

// AuditRecorder appends security-relevant actions to the audit trail.
type AuditRecorder interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

type auditWriter = AuditRecorder

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	AccessTokenSecret  string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// AuthService provides account and session use cases. Refresh tokens rotate
// on every use; presenting an already-rotated token revokes the whole user
// session set.
type AuthService struct {
	users     authUserRepository
	tokens    authTokenRepository
	audit     auditWriter
	identity  IdentityVerifier
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserRepository, tokens authTokenRepository, audit auditWriter, identity IdentityVerifier, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AuthService{
		users:     users,
		tokens:    tokens,
		audit:     audit,
		identity:  identity,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		config:    config,
	}
}

// Register creates a password account and signs it in.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest, fingerprint string) (*models.TokenPairResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid register payload")
	}

	if _, err := s.users.FindByEmail(ctx, req.Email); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	hashStr := string(hash)
	user := &models.User{
		Provider:        models.ProviderPassword,
		ProviderSubject: req.Email,
		Email:           &req.Email,
		PasswordHash:    &hashStr,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	return s.issuePair(ctx, user, fingerprint, nil)
}

// Login authenticates a password account and returns issued tokens.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.TokenPairResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if user.PasswordHash == nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "account uses federated sign in")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
	}

	return s.issuePair(ctx, user, req.Fingerprint, nil)
}

// FederatedLogin validates a Google or Apple identity token and signs the
// account in, creating it on first contact.
func (s *AuthService) FederatedLogin(ctx context.Context, req models.FederatedLoginRequest) (*models.TokenPairResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid federated login payload")
	}

	claims, err := s.identity.Verify(ctx, req.Provider, req.IdentityToken)
	if err != nil {
		s.logger.Warn("identity token rejected", zap.String("provider", string(req.Provider)), zap.Error(err))
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "identity token verification failed")
	}

	user := &models.User{
		Provider:        req.Provider,
		ProviderSubject: claims.Subject,
	}
	if claims.Email != "" {
		user.Email = &claims.Email
	}
	if err := s.users.UpsertFederated(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to upsert federated user")
	}

	return s.issuePair(ctx, user, req.Fingerprint, nil)
}

// Refresh rotates the presented refresh token. Replays and fingerprint
// mismatches revoke every session of the user before failing.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshRequest) (*models.TokenPairResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	stored, err := s.tokens.FindByToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch refresh token")
	}

	if stored.RevokedAt != nil || stored.ReusedAt != nil {
		s.handleReuse(ctx, stored, models.AuditTokenReuse)
		return nil, appErrors.Clone(appErrors.ErrTokenReused, "")
	}

	if time.Now().UTC().After(stored.ExpiresAt) {
		if err := s.tokens.Revoke(ctx, stored.ID); err != nil {
			s.logger.Warn("failed to revoke expired refresh token", zap.Error(err))
		}
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token expired")
	}

	if stored.Fingerprint != nil && req.Fingerprint != "" && *stored.Fingerprint != req.Fingerprint {
		s.handleReuse(ctx, stored, models.AuditFingerprintMismatch)
		return nil, appErrors.Clone(appErrors.ErrFingerprintMismatch, "")
	}

	user, err := s.users.FindByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "associated user no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	fingerprint := req.Fingerprint
	if fingerprint == "" && stored.Fingerprint != nil {
		fingerprint = *stored.Fingerprint
	}

	pair, err := s.issuePair(ctx, user, fingerprint, stored)
	if err != nil {
		if errors.Is(err, repository.ErrRotationConflict) {
			s.handleReuse(ctx, stored, models.AuditTokenReuse)
			return nil, appErrors.Clone(appErrors.ErrTokenReused, "")
		}
		return nil, err
	}
	return pair, nil
}

// Logout revokes the presented refresh token session and the access token id
// that authorized the call.
func (s *AuthService) Logout(ctx context.Context, userID, jti string, req models.LogoutRequest) error {
	stored, err := s.tokens.FindByToken(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrUnauthorized, "refresh token not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
	}
	if stored.UserID != userID {
		return appErrors.Clone(appErrors.ErrForbidden, "token does not belong to user")
	}

	if err := s.tokens.Revoke(ctx, stored.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
	if jti != "" {
		if err := s.tokens.RevokeJTI(ctx, jti, userID); err != nil {
			s.logger.Warn("failed to revoke access token id", zap.Error(err))
		}
	}
	return nil
}

// Me returns profile info for the authenticated account.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "account no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return &models.UserInfo{
		ID:          user.ID,
		Provider:    user.Provider,
		Email:       user.Email,
		DisplayName: user.DisplayName,
	}, nil
}

// ResolveUser confirms the token subject still maps to an account. Deleted
// accounts keep structurally valid access tokens until they expire, so gated
// routes re-check existence on every request.
func (s *AuthService) ResolveUser(ctx context.Context, userID string) error {
	if _, err := s.users.FindByID(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrUnauthorized, "account no longer exists")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve user")
	}
	return nil
}

// RevokeAllSessions revokes every live refresh session of the user.
func (s *AuthService) RevokeAllSessions(ctx context.Context, userID string) (int64, error) {
	count, err := s.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke sessions")
	}
	s.recordAudit(ctx, &userID, models.AuditSessionsRevoked, map[string]interface{}{"revoked": count})
	return count, nil
}

// DeleteAccount removes the account and everything cascading from it.
func (s *AuthService) DeleteAccount(ctx context.Context, userID string) error {
	if _, err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		s.logger.Warn("failed to revoke sessions before account delete", zap.Error(err))
	}
	if err := s.users.Delete(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "account not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete account")
	}
	s.recordAudit(ctx, nil, models.AuditAccountDeleted, map[string]interface{}{"userId": userID})
	return nil
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.AccessTokenSecret), nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.AccessClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// IsAccessTokenRevoked reports whether the access token id is on the
// revocation list.
func (s *AuthService) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	return s.tokens.IsJTIRevoked(ctx, jti)
}

// handleReuse runs the containment side effects of a replayed or mismatched
// refresh token.
func (s *AuthService) handleReuse(ctx context.Context, stored *models.RefreshToken, action string) {
	if err := s.tokens.MarkReused(ctx, stored.ID); err != nil {
		s.logger.Warn("failed to mark refresh token reused", zap.Error(err))
	}
	count, err := s.tokens.RevokeAllForUser(ctx, stored.UserID)
	if err != nil {
		s.logger.Warn("failed to revoke sessions after reuse", zap.Error(err))
	}
	s.metrics.RecordTokenReuse()
	s.logger.Warn("refresh token reuse detected",
		zap.String("user_id", stored.UserID),
		zap.String("token_id", stored.ID),
		zap.Int64("sessions_revoked", count))
	s.recordAudit(ctx, &stored.UserID, action, map[string]interface{}{"tokenId": stored.ID, "revoked": count})
}

func (s *AuthService) issuePair(ctx context.Context, user *models.User, fingerprint string, rotateFrom *models.RefreshToken) (*models.TokenPairResponse, error) {
	accessToken, err := s.generateAccessToken(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	refreshValue, err := s.generateRefreshTokenString()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	next := &models.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Token:     refreshValue,
		ExpiresAt: time.Now().UTC().Add(s.config.RefreshTokenExpiry),
	}
	if fingerprint != "" {
		next.Fingerprint = &fingerprint
	}

	if rotateFrom != nil {
		next.ParentTokenID = &rotateFrom.ID
		if err := s.tokens.Rotate(ctx, rotateFrom.Token, next); err != nil {
			if errors.Is(err, repository.ErrRotationConflict) {
				return nil, err
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
		}
	} else {
		if err := s.tokens.Create(ctx, next); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
		}
	}

	return &models.TokenPairResponse{
		AccessToken:  accessToken,
		RefreshToken: next.Token,
		ExpiresIn:    int64(s.config.AccessTokenExpiry.Seconds()),
		IssuedAt:     time.Now().UTC(),
		User: models.UserInfo{
			ID:          user.ID,
			Provider:    user.Provider,
			Email:       user.Email,
			DisplayName: user.DisplayName,
		},
	}, nil
}

func (s *AuthService) recordAudit(ctx context.Context, userID *string, action string, meta map[string]interface{}) {
	if s.audit == nil {
		return
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		raw = nil
	}
	if err := s.audit.Create(ctx, &models.AuditLog{UserID: userID, Action: action, Meta: raw}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func (s *AuthService) generateAccessToken(user *models.User) (string, error) {
	issuedAt := time.Now().UTC()
	claims := &models.AccessClaims{
		UserID: user.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.config.AccessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.AccessTokenSecret))
}

func (s *AuthService) generateRefreshTokenString() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
