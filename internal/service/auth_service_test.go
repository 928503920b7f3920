package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiroku-app/kiroku-api/internal/models"
	"github.com/kiroku-app/kiroku-api/internal/repository"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
)

type mockUserRepo struct {
	usersByEmail map[string]*models.User
	usersByID    map[string]*models.User
	created      []*models.User
	deleted      []string
}

func (m *mockUserRepo) FindByEmail(_ context.Context, email string) (*models.User, error) {
	if user, ok := m.usersByEmail[email]; ok {
		return user, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) FindByID(_ context.Context, id string) (*models.User, error) {
	if user, ok := m.usersByID[id]; ok {
		return user, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) FindByProviderSubject(_ context.Context, provider models.AuthProvider, subject string) (*models.User, error) {
	for _, user := range m.usersByID {
		if user.Provider == provider && user.ProviderSubject == subject {
			return user, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserRepo) Create(_ context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = "user-created"
	}
	m.created = append(m.created, user)
	return nil
}

func (m *mockUserRepo) UpsertFederated(_ context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = "user-federated"
	}
	return nil
}

func (m *mockUserRepo) Delete(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

type mockTokenRepo struct {
	byToken        map[string]*models.RefreshToken
	rotateErr      error
	rotated        []*models.RefreshToken
	created        []*models.RefreshToken
	reusedIDs      []string
	revokedIDs     []string
	revokedAllFor  []string
	revokedJTIs    []string
	jtiRevoked     bool
	revokeAllCount int64
}

func (m *mockTokenRepo) Create(_ context.Context, token *models.RefreshToken) error {
	m.created = append(m.created, token)
	return nil
}

func (m *mockTokenRepo) FindByToken(_ context.Context, token string) (*models.RefreshToken, error) {
	if rt, ok := m.byToken[token]; ok {
		return rt, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockTokenRepo) Rotate(_ context.Context, _ string, next *models.RefreshToken) error {
	if m.rotateErr != nil {
		return m.rotateErr
	}
	m.rotated = append(m.rotated, next)
	return nil
}

func (m *mockTokenRepo) Revoke(_ context.Context, id string) error {
	m.revokedIDs = append(m.revokedIDs, id)
	return nil
}

func (m *mockTokenRepo) MarkReused(_ context.Context, id string) error {
	m.reusedIDs = append(m.reusedIDs, id)
	return nil
}

func (m *mockTokenRepo) RevokeAllForUser(_ context.Context, userID string) (int64, error) {
	m.revokedAllFor = append(m.revokedAllFor, userID)
	return m.revokeAllCount, nil
}

func (m *mockTokenRepo) RevokeJTI(_ context.Context, jti, _ string) error {
	m.revokedJTIs = append(m.revokedJTIs, jti)
	return nil
}

func (m *mockTokenRepo) IsJTIRevoked(_ context.Context, _ string) (bool, error) {
	return m.jtiRevoked, nil
}

type mockAudit struct {
	logs []*models.AuditLog
}

func (m *mockAudit) Create(_ context.Context, log *models.AuditLog) error {
	m.logs = append(m.logs, log)
	return nil
}

type mockIdentity struct {
	claims *IdentityClaims
	err    error
}

func (m *mockIdentity) Verify(_ context.Context, _ models.AuthProvider, _ string) (*IdentityClaims, error) {
	return m.claims, m.err
}

func newAuthService(users *mockUserRepo, tokens *mockTokenRepo, audit *mockAudit, identity IdentityVerifier) *AuthService {
	return NewAuthService(users, tokens, audit, identity, nil, validator.New(), zap.NewNop(), AuthConfig{
		AccessTokenSecret:  "0123456789abcdef0123456789abcdef",
		AccessTokenExpiry:  time.Hour,
		RefreshTokenExpiry: 24 * time.Hour,
		Issuer:             "kiroku-api",
	})
}

func passwordUser(t *testing.T, id, email, password string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	require.NoError(t, err)
	hashStr := string(hash)
	return &models.User{
		ID:              id,
		Provider:        models.ProviderPassword,
		ProviderSubject: email,
		Email:           &email,
		PasswordHash:    &hashStr,
	}
}

func TestAuthServiceLoginSuccess(t *testing.T) {
	user := passwordUser(t, "user-1", "user@example.com", "correct horse")
	users := &mockUserRepo{usersByEmail: map[string]*models.User{"user@example.com": user}}
	tokens := &mockTokenRepo{}
	svc := newAuthService(users, tokens, &mockAudit{}, nil)

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, "user-1", res.User.ID)
	require.Len(t, tokens.created, 1)
}

func TestAuthServiceLoginWrongPassword(t *testing.T) {
	user := passwordUser(t, "user-1", "user@example.com", "correct horse")
	users := &mockUserRepo{usersByEmail: map[string]*models.User{"user@example.com": user}}
	svc := newAuthService(users, &mockTokenRepo{}, &mockAudit{}, nil)

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "user@example.com", Password: "wrong"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceFederatedLoginCreatesAccount(t *testing.T) {
	users := &mockUserRepo{}
	tokens := &mockTokenRepo{}
	identity := &mockIdentity{claims: &IdentityClaims{Subject: "apple-sub-1", Email: "a@example.com"}}
	svc := newAuthService(users, tokens, &mockAudit{}, identity)

	res, err := svc.FederatedLogin(context.Background(), models.FederatedLoginRequest{Provider: models.ProviderApple, IdentityToken: "token"})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderApple, res.User.Provider)
	require.Len(t, tokens.created, 1)
}

func TestAuthServiceRefreshRotates(t *testing.T) {
	user := passwordUser(t, "user-1", "user@example.com", "pw")
	stored := &models.RefreshToken{
		ID:        "token-1",
		UserID:    "user-1",
		Token:     "old-refresh",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	users := &mockUserRepo{usersByID: map[string]*models.User{"user-1": user}}
	tokens := &mockTokenRepo{byToken: map[string]*models.RefreshToken{"old-refresh": stored}}
	svc := newAuthService(users, tokens, &mockAudit{}, nil)

	res, err := svc.Refresh(context.Background(), models.RefreshRequest{RefreshToken: "old-refresh"})
	require.NoError(t, err)
	assert.NotEqual(t, "old-refresh", res.RefreshToken)
	require.Len(t, tokens.rotated, 1)
	require.NotNil(t, tokens.rotated[0].ParentTokenID)
	assert.Equal(t, "token-1", *tokens.rotated[0].ParentTokenID)
}

func TestAuthServiceRefreshReuseRevokesAllSessions(t *testing.T) {
	revokedAt := time.Now().Add(-time.Minute)
	stored := &models.RefreshToken{
		ID:        "token-1",
		UserID:    "user-1",
		Token:     "replayed",
		ExpiresAt: time.Now().Add(time.Hour),
		RevokedAt: &revokedAt,
	}
	tokens := &mockTokenRepo{byToken: map[string]*models.RefreshToken{"replayed": stored}, revokeAllCount: 3}
	audit := &mockAudit{}
	svc := newAuthService(&mockUserRepo{}, tokens, audit, nil)

	_, err := svc.Refresh(context.Background(), models.RefreshRequest{RefreshToken: "replayed"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenReused.Code, appErrors.FromError(err).Code)
	assert.Equal(t, []string{"token-1"}, tokens.reusedIDs)
	assert.Equal(t, []string{"user-1"}, tokens.revokedAllFor)
	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditTokenReuse, audit.logs[0].Action)
}

func TestAuthServiceRefreshFingerprintMismatch(t *testing.T) {
	fingerprint := "device-a"
	stored := &models.RefreshToken{
		ID:          "token-1",
		UserID:      "user-1",
		Token:       "refresh",
		ExpiresAt:   time.Now().Add(time.Hour),
		Fingerprint: &fingerprint,
	}
	tokens := &mockTokenRepo{byToken: map[string]*models.RefreshToken{"refresh": stored}}
	audit := &mockAudit{}
	svc := newAuthService(&mockUserRepo{}, tokens, audit, nil)

	_, err := svc.Refresh(context.Background(), models.RefreshRequest{RefreshToken: "refresh", Fingerprint: "device-b"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrFingerprintMismatch.Code, appErrors.FromError(err).Code)
	assert.Equal(t, []string{"user-1"}, tokens.revokedAllFor)
}

func TestAuthServiceRefreshExpired(t *testing.T) {
	stored := &models.RefreshToken{
		ID:        "token-1",
		UserID:    "user-1",
		Token:     "stale",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	tokens := &mockTokenRepo{byToken: map[string]*models.RefreshToken{"stale": stored}}
	svc := newAuthService(&mockUserRepo{}, tokens, &mockAudit{}, nil)

	_, err := svc.Refresh(context.Background(), models.RefreshRequest{RefreshToken: "stale"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
	assert.Equal(t, []string{"token-1"}, tokens.revokedIDs)
}

func TestAuthServiceRefreshRotationConflictIsReuse(t *testing.T) {
	user := passwordUser(t, "user-1", "user@example.com", "pw")
	stored := &models.RefreshToken{
		ID:        "token-1",
		UserID:    "user-1",
		Token:     "contested",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	users := &mockUserRepo{usersByID: map[string]*models.User{"user-1": user}}
	tokens := &mockTokenRepo{
		byToken:   map[string]*models.RefreshToken{"contested": stored},
		rotateErr: repository.ErrRotationConflict,
	}
	svc := newAuthService(users, tokens, &mockAudit{}, nil)

	_, err := svc.Refresh(context.Background(), models.RefreshRequest{RefreshToken: "contested"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenReused.Code, appErrors.FromError(err).Code)
	assert.Equal(t, []string{"user-1"}, tokens.revokedAllFor)
}

func TestAuthServiceValidateTokenRoundTrip(t *testing.T) {
	user := passwordUser(t, "user-1", "user@example.com", "pw")
	svc := newAuthService(&mockUserRepo{}, &mockTokenRepo{}, &mockAudit{}, nil)

	token, err := svc.generateAccessToken(user)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.NotEmpty(t, claims.ID)
}

func TestAuthServiceLogoutWrongOwner(t *testing.T) {
	stored := &models.RefreshToken{ID: "token-1", UserID: "user-1", Token: "refresh", ExpiresAt: time.Now().Add(time.Hour)}
	tokens := &mockTokenRepo{byToken: map[string]*models.RefreshToken{"refresh": stored}}
	svc := newAuthService(&mockUserRepo{}, tokens, &mockAudit{}, nil)

	err := svc.Logout(context.Background(), "user-2", "jti-1", models.LogoutRequest{RefreshToken: "refresh"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceLogoutRevokesSessionAndJTI(t *testing.T) {
	stored := &models.RefreshToken{ID: "token-1", UserID: "user-1", Token: "refresh", ExpiresAt: time.Now().Add(time.Hour)}
	tokens := &mockTokenRepo{byToken: map[string]*models.RefreshToken{"refresh": stored}}
	svc := newAuthService(&mockUserRepo{}, tokens, &mockAudit{}, nil)

	err := svc.Logout(context.Background(), "user-1", "jti-1", models.LogoutRequest{RefreshToken: "refresh"})
	require.NoError(t, err)
	assert.Equal(t, []string{"token-1"}, tokens.revokedIDs)
	assert.Equal(t, []string{"jti-1"}, tokens.revokedJTIs)
}
