package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hospitalgate/authgate/internal/models"
	"github.com/hospitalgate/authgate/internal/util"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreWithSQLite tests store operations with SQLite
func TestStoreWithSQLite(t *testing.T) {
	testBasicOperations(t, "sqlite", nil)
}

// TestStoreWithPostgres tests store operations with PostgreSQL
func TestStoreWithPostgres(t *testing.T) {
	// Skip if running short tests or Docker is not available
	if testing.Short() {
		t.Skip("Skipping PostgreSQL integration test in short mode")
	}

	// Recover from panic if Docker is not available
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("Skipping PostgreSQL test: Docker not available (panic: %v)", r)
		}
	}()

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Skipping PostgreSQL test: Docker not available (%v)", err)
		return
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	testBasicOperations(t, "postgres", pgContainer)
}

// createFreshStore creates a new store instance for test isolation
// For SQLite, each call creates a fresh :memory: database
// For PostgreSQL, each call creates a uniquely-named database in the container
func createFreshStore(t *testing.T, driver string, pgContainer *postgres.PostgresContainer) *Store {
	t.Helper()

	var dsn string
	switch driver {
	case "sqlite":
		dsn = ":memory:"
	case "postgres":
		dbName := "test_" + uuid.New().String()[:8]
		ctx := context.Background()

		createDBCmd := fmt.Sprintf("CREATE DATABASE %s", dbName)
		_, _, err := pgContainer.Exec(
			ctx,
			[]string{"psql", "-U", "testuser", "-d", "testdb", "-c", createDBCmd},
		)
		require.NoError(t, err)

		host, err := pgContainer.Host(ctx)
		require.NoError(t, err)
		port, err := pgContainer.MappedPort(ctx, "5432")
		require.NoError(t, err)
		dsn = fmt.Sprintf(
			"host=%s port=%s user=testuser password=testpass dbname=%s sslmode=disable",
			host, port.Port(), dbName,
		)

		t.Cleanup(func() {
			dropDBCmd := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName)
			_, _, _ = pgContainer.Exec(
				context.Background(),
				[]string{"psql", "-U", "testuser", "-d", "testdb", "-c", dropDBCmd},
			)
		})
	default:
		t.Fatalf("unsupported driver: %s", driver)
	}

	store, err := New(context.Background(), driver, dsn)
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func createTestClient(t *testing.T, store *Store, orgID string) *models.OAuthClient {
	t.Helper()
	clientID, err := models.GenerateClientID(orgID)
	require.NoError(t, err)
	client := &models.OAuthClient{
		ClientID:         clientID,
		ClientSecretHash: "hash",
		OrganizationID:   orgID,
		ClientName:       "EMR Bridge",
		ClientType:       models.ClientTypeConfidential,
		RedirectURIs:     models.StringArray{"https://emr.example/callback"},
		GrantTypes:       models.StringArray{models.GrantTypeAuthorizationCode},
		Scopes:           models.StringArray{"patients:read"},
		DataAccessLevel:  models.DataAccessOrganization,
		IsActive:         true,
	}
	require.NoError(t, store.CreateClient(context.Background(), client))
	return client
}

func createTestCode(
	t *testing.T,
	store *Store,
	plain, clientID, redirectURI string,
	expiresIn time.Duration,
) *models.AuthorizationCode {
	t.Helper()
	code := &models.AuthorizationCode{
		UUID:           uuid.New().String(),
		CodeHash:       util.SHA256Hex(plain),
		ApplicationID:  1,
		ClientID:       clientID,
		OrganizationID: "org-1",
		UserID:         "user-1",
		RedirectURI:    redirectURI,
		Scopes:         "patients:read",
		ExpiresAt:      time.Now().Add(expiresIn),
	}
	require.NoError(t, store.CreateAuthorizationCode(context.Background(), code))
	return code
}

func createTestToken(
	t *testing.T,
	store *Store,
	plain, category string,
	expiresIn time.Duration,
) *models.AccessToken {
	t.Helper()
	salt, err := util.CryptoRandomString(16)
	require.NoError(t, err)
	tok := &models.AccessToken{
		ID:             uuid.New().String(),
		TokenHash:      util.HashToken(plain, salt),
		TokenSalt:      salt,
		TokenLookupID:  util.TokenLookupID(plain),
		TokenCategory:  category,
		Status:         models.TokenStatusActive,
		ClientID:       "hgc_test",
		OrganizationID: "org-1",
		Scopes:         "patients:read",
		GrantType:      models.GrantTypeAuthorizationCode,
		ExpiresAt:      time.Now().Add(expiresIn),
	}
	require.NoError(t, store.CreateAccessToken(context.Background(), tok))
	return tok
}

// testBasicOperations tests store operations against one driver
// Each subtest creates a fresh store instance for isolation
func testBasicOperations(t *testing.T, driver string, pgContainer *postgres.PostgresContainer) {
	ctx := context.Background()

	t.Run("CreateAndGetClient", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		client := createTestClient(t, store, "org-1")

		retrieved, err := store.GetClient(ctx, client.ClientID)
		require.NoError(t, err)
		assert.Equal(t, client.ClientName, retrieved.ClientName)
		assert.Equal(t, models.StringArray{"https://emr.example/callback"}, retrieved.RedirectURIs)
		assert.Equal(t, models.StringArray{"patients:read"}, retrieved.Scopes)
	})

	t.Run("GetClientNotFound", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		_, err := store.GetClient(ctx, "hgc_missing")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("RevokeClient", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		client := createTestClient(t, store, "org-1")

		require.NoError(t, store.RevokeClient(ctx, client.ClientID, time.Now()))
		retrieved, err := store.GetClient(ctx, client.ClientID)
		require.NoError(t, err)
		assert.False(t, retrieved.IsActive)
		assert.NotNil(t, retrieved.RevokedAt)

		assert.ErrorIs(t, store.RevokeClient(ctx, client.ClientID, time.Now()), ErrClientAlreadyRevoked)
		assert.ErrorIs(t, store.RevokeClient(ctx, "hgc_missing", time.Now()), ErrRecordNotFound)
	})

	t.Run("ListClientsPaginatedIsTenantScoped", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		for range 3 {
			createTestClient(t, store, "org-1")
		}
		createTestClient(t, store, "org-2")

		clients, page, err := store.ListClientsPaginated(ctx, "org-1", NewPaginationParams(1, 2, ""))
		require.NoError(t, err)
		assert.Len(t, clients, 2)
		assert.Equal(t, int64(3), page.Total)
		assert.True(t, page.HasNext)
		for _, c := range clients {
			assert.Equal(t, "org-1", c.OrganizationID)
		}
	})

	t.Run("ConsumeAuthorizationCode", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		createTestCode(t, store, "code-1", "hgc_a", "https://emr.example/cb", time.Minute)

		consumed, err := store.ConsumeAuthorizationCode(
			ctx, util.SHA256Hex("code-1"), "hgc_a", "https://emr.example/cb", time.Now())
		require.NoError(t, err)
		assert.True(t, consumed.Consumed)
		assert.NotNil(t, consumed.ConsumedAt)

		_, err = store.ConsumeAuthorizationCode(
			ctx, util.SHA256Hex("code-1"), "hgc_a", "https://emr.example/cb", time.Now())
		assert.ErrorIs(t, err, ErrAuthCodeUnavailable)
	})

	t.Run("ConsumeAuthorizationCodeBindingMismatch", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		createTestCode(t, store, "code-2", "hgc_a", "https://emr.example/cb", time.Minute)
		hash := util.SHA256Hex("code-2")

		_, err := store.ConsumeAuthorizationCode(ctx, hash, "hgc_b", "https://emr.example/cb", time.Now())
		assert.ErrorIs(t, err, ErrAuthCodeUnavailable)
		_, err = store.ConsumeAuthorizationCode(ctx, hash, "hgc_a", "https://evil.example/cb", time.Now())
		assert.ErrorIs(t, err, ErrAuthCodeUnavailable)

		// Mismatched attempts must not burn the code
		code, err := store.GetAuthorizationCodeByHash(ctx, hash)
		require.NoError(t, err)
		assert.False(t, code.Consumed)
	})

	t.Run("ConsumeExpiredAuthorizationCode", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		createTestCode(t, store, "code-3", "hgc_a", "https://emr.example/cb", -time.Second)

		_, err := store.ConsumeAuthorizationCode(
			ctx, util.SHA256Hex("code-3"), "hgc_a", "https://emr.example/cb", time.Now())
		assert.ErrorIs(t, err, ErrAuthCodeUnavailable)
	})

	t.Run("ConcurrentConsumeSucceedsOnce", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		createTestCode(t, store, "code-race", "hgc_a", "https://emr.example/cb", time.Minute)

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			failures  int
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Transaction(ctx, func(tx *Store) error {
					_, err := tx.ConsumeAuthorizationCode(ctx,
						util.SHA256Hex("code-race"), "hgc_a", "https://emr.example/cb", time.Now())
					return err
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					successes++
				} else {
					assert.ErrorIs(t, err, ErrAuthCodeUnavailable)
					failures++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, workers-1, failures)
	})

	t.Run("TransactionRollbackLeavesCodeUnconsumed", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		createTestCode(t, store, "code-rb", "hgc_a", "https://emr.example/cb", time.Minute)

		err := store.Transaction(ctx, func(tx *Store) error {
			if _, err := tx.ConsumeAuthorizationCode(ctx,
				util.SHA256Hex("code-rb"), "hgc_a", "https://emr.example/cb", time.Now()); err != nil {
				return err
			}
			return fmt.Errorf("token insert failed")
		})
		require.Error(t, err)

		code, err := store.GetAuthorizationCodeByHash(ctx, util.SHA256Hex("code-rb"))
		require.NoError(t, err)
		assert.False(t, code.Consumed)
	})

	t.Run("TokenLookupAndRevoke", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		tok := createTestToken(t, store, "hgt_0123456789abcdef", models.TokenCategoryAccess, time.Hour)

		candidates, err := store.GetTokensByLookupID(ctx, util.TokenLookupID("hgt_0123456789abcdef"))
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.True(t, util.VerifyTokenHash("hgt_0123456789abcdef", candidates[0].TokenSalt, candidates[0].TokenHash))

		require.NoError(t, store.RevokeToken(ctx, tok.ID, time.Now()))
		require.NoError(t, store.RevokeToken(ctx, tok.ID, time.Now()))
		retrieved, err := store.GetAccessTokenByID(ctx, tok.ID)
		require.NoError(t, err)
		assert.True(t, retrieved.IsRevoked())
		assert.NotNil(t, retrieved.RevokedAt)
	})

	t.Run("UseRefreshToken", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		tok := createTestToken(t, store, "hgr_reuse0000000001", models.TokenCategoryRefresh, time.Hour)
		access := createTestToken(t, store, "hgt_notrefresh00001", models.TokenCategoryAccess, time.Hour)
		expired := createTestToken(t, store, "hgr_expired00000001", models.TokenCategoryRefresh, -time.Hour)

		// Fixed mode: reusable, only last_used_at moves
		require.NoError(t, store.UseRefreshToken(ctx, tok.ID, time.Now(), false))
		require.NoError(t, store.UseRefreshToken(ctx, tok.ID, time.Now(), false))
		retrieved, err := store.GetAccessTokenByID(ctx, tok.ID)
		require.NoError(t, err)
		assert.True(t, retrieved.IsActive())
		assert.NotNil(t, retrieved.LastUsedAt)

		assert.ErrorIs(t, store.UseRefreshToken(ctx, access.ID, time.Now(), false), ErrRefreshTokenUnavailable)
		assert.ErrorIs(t, store.UseRefreshToken(ctx, expired.ID, time.Now(), false), ErrRefreshTokenUnavailable)

		// Rotation spends the token
		require.NoError(t, store.UseRefreshToken(ctx, tok.ID, time.Now(), true))
		assert.ErrorIs(t, store.UseRefreshToken(ctx, tok.ID, time.Now(), true), ErrRefreshTokenUnavailable)
		assert.ErrorIs(t, store.UseRefreshToken(ctx, tok.ID, time.Now(), false), ErrRefreshTokenUnavailable)
	})

	t.Run("UseRefreshTokenAfterRevokeFails", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		tok := createTestToken(t, store, "hgr_revoked00000001", models.TokenCategoryRefresh, time.Hour)

		require.NoError(t, store.RevokeToken(ctx, tok.ID, time.Now()))
		assert.ErrorIs(t, store.UseRefreshToken(ctx, tok.ID, time.Now(), false), ErrRefreshTokenUnavailable)
	})

	t.Run("ConcurrentRotationSucceedsOnce", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		tok := createTestToken(t, store, "hgr_race00000000001", models.TokenCategoryRefresh, time.Hour)

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			failures  int
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Transaction(ctx, func(tx *Store) error {
					// Both sides read the row as active before spending it
					current, err := tx.GetAccessTokenByID(ctx, tok.ID)
					if err != nil {
						return err
					}
					if !current.IsActive() {
						return ErrRefreshTokenUnavailable
					}
					return tx.UseRefreshToken(ctx, tok.ID, time.Now(), true)
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					successes++
				} else {
					assert.ErrorIs(t, err, ErrRefreshTokenUnavailable)
					failures++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, workers-1, failures)
	})

	t.Run("RevokeTokensByClientID", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		createTestToken(t, store, "hgt_aaaaaaaa11111111", models.TokenCategoryAccess, time.Hour)
		createTestToken(t, store, "hgr_bbbbbbbb22222222", models.TokenCategoryRefresh, time.Hour)

		n, err := store.RevokeTokensByClientID(ctx, "hgc_test", time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("DeleteExpiredAndCounts", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		createTestToken(t, store, "hgt_live000000000001", models.TokenCategoryAccess, time.Hour)
		createTestToken(t, store, "hgt_dead000000000002", models.TokenCategoryAccess, -time.Hour)
		createTestToken(t, store, "hgr_live000000000003", models.TokenCategoryRefresh, time.Hour)
		createTestCode(t, store, "pending", "hgc_a", "https://emr.example/cb", time.Minute)
		createTestCode(t, store, "stale", "hgc_a", "https://emr.example/cb", -time.Minute)

		access, err := store.CountActiveTokensByCategory(ctx, models.TokenCategoryAccess)
		require.NoError(t, err)
		assert.Equal(t, int64(1), access)

		pending, err := store.CountPendingAuthorizationCodes(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), pending)

		deleted, err := store.DeleteExpiredTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		deleted, err = store.DeleteExpiredAuthorizationCodes(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})

	t.Run("AuditLogs", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		now := time.Now()
		entries := []*models.AuditLog{
			{
				ID: uuid.New().String(), EventType: models.EventPHIAccessGranted,
				EventTime: now, Severity: models.SeverityInfo, OrganizationID: "org-1",
				Action: "PHI access", Success: true, CreatedAt: now,
			},
			{
				ID: uuid.New().String(), EventType: models.EventPHIAccessDenied,
				EventTime: now, Severity: models.SeverityWarning, OrganizationID: "org-1",
				Action: "PHI access denied", Success: false, CreatedAt: now,
			},
			{
				ID: uuid.New().String(), EventType: models.EventClientCreated,
				EventTime: now, Severity: models.SeverityInfo, OrganizationID: "org-2",
				Action: "Client created", Success: true, CreatedAt: now.Add(-48 * time.Hour),
			},
		}
		require.NoError(t, store.CreateAuditLogBatch(ctx, entries))

		logs, page, err := store.GetAuditLogsPaginated(ctx,
			NewPaginationParams(1, 10, ""),
			AuditLogFilters{OrganizationID: "org-1"})
		require.NoError(t, err)
		assert.Len(t, logs, 2)
		assert.Equal(t, int64(2), page.Total)

		stats, err := store.GetAuditLogStats(ctx, AuditLogFilters{OrganizationID: "org-1"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.TotalEvents)
		assert.Equal(t, int64(1), stats.SuccessCount)
		assert.Equal(t, int64(1), stats.FailureCount)
		assert.Equal(t, int64(1), stats.EventsByType[models.EventPHIAccessDenied])

		deleted, err := store.DeleteOldAuditLogs(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})

	t.Run("Health", func(t *testing.T) {
		store := createFreshStore(t, driver, pgContainer)
		assert.NoError(t, store.Health(ctx))
	})
}

func TestGetDialectorUnknownDriver(t *testing.T) {
	_, err := GetDialector("oracle", "dsn")
	assert.ErrorContains(t, err, "unsupported database driver")

	for _, name := range []string{"sqlite", "postgres", "mysql"} {
		_, err := GetDialector(name, "dsn")
		assert.NoError(t, err, name)
	}
}
