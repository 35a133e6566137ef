package auth

import (
	"testing"
	"time"

	"agenthub/pkg/models"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}))

	svc := NewService("test-secret")
	svc.SetDB(db)
	return svc, db
}

func seedUser(t *testing.T, db *gorm.DB, active bool) *models.User {
	t.Helper()
	user := &models.User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: "x",
		IsActive:     active,
	}
	require.NoError(t, db.Create(user).Error)
	if !active {
		// IsActive has gorm:"default:true", so a zero-value false is dropped
		// from the INSERT; force the column so the fixture is really inactive.
		require.NoError(t, db.Model(user).Update("is_active", false).Error)
	}
	return user
}

func TestGenerateAndValidateToken(t *testing.T) {
	svc, db := newTestService(t)
	user := seedUser(t, db, true)

	token, err := svc.GenerateToken(user)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "alice@example.com", claims.Email)
}

func TestValidateTokenErrors(t *testing.T) {
	svc, _ := newTestService(t)

	t.Run("missing", func(t *testing.T) {
		_, err := svc.ValidateToken("")
		assert.ErrorIs(t, err, ErrTokenMissing)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := svc.ValidateToken("not-a-jwt")
		assert.ErrorIs(t, err, ErrTokenMalformed)
	})

	t.Run("wrong signature", func(t *testing.T) {
		other := NewService("different-secret")
		token, err := other.GenerateToken(&models.User{Username: "eve"})
		require.NoError(t, err)
		_, err = svc.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		now := time.Now().Add(-48 * time.Hour)
		claims := &Claims{
			UserID:   1,
			Username: "alice",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
				IssuedAt:  jwt.NewNumericDate(now),
			},
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = svc.ValidateToken(signed)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("wrong signing method", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 1}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.ValidateToken(unsigned)
		assert.Error(t, err)
	})
}

func TestResolveUser(t *testing.T) {
	svc, db := newTestService(t)
	user := seedUser(t, db, true)

	token, err := svc.GenerateToken(user)
	require.NoError(t, err)

	resolved, err := svc.ResolveUser(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)
	assert.Equal(t, user.Username, resolved.Username)
}

func TestResolveUserRejectsInactive(t *testing.T) {
	svc, db := newTestService(t)
	user := seedUser(t, db, false)

	token, err := svc.GenerateToken(user)
	require.NoError(t, err)

	_, err = svc.ResolveUser(token)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestResolveUserRejectsDeletedUser(t *testing.T) {
	svc, db := newTestService(t)
	user := seedUser(t, db, true)

	token, err := svc.GenerateToken(user)
	require.NoError(t, err)
	require.NoError(t, db.Delete(user).Error)

	_, err = svc.ResolveUser(token)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestPasswordHashing(t *testing.T) {
	svc, _ := newTestService(t)

	hash, err := svc.HashPassword("s3cret-passphrase")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-passphrase", hash)

	assert.NoError(t, svc.CheckPassword("s3cret-passphrase", hash))
	assert.ErrorIs(t, svc.CheckPassword("wrong", hash), ErrInvalidCredentials)
}
