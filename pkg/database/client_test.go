package database

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient creates a test database client with CI/local environment detection.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	// Check if we're in CI with an external database
	ciDatabaseURL := os.Getenv("CI_DATABASE_URL")

	var connStr string

	if ciDatabaseURL != "" {
		// CI mode: use external PostgreSQL service container
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		connStr = ciDatabaseURL
	} else {
		// Local dev mode: use testcontainers
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		var err2 error
		connStr, err2 = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err2)
	}

	// NewClient opens the pool and applies the embedded migrations
	client, err := NewClient(ctx, Config{
		URL:             connStr,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestDatabaseClient_ConnectionPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	// Test basic connectivity
	err := client.DB().PingContext(ctx)
	require.NoError(t, err)

	// Test health check
	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
	assert.Greater(t, health.SchemaVersion, int64(0), "migrations should have been applied")
}

func TestPayloadContainmentQuery(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	batchID := uuid.New().String()
	_, err := client.DB().ExecContext(ctx,
		`INSERT INTO batches (id, status, request_count) VALUES ($1, 'pending_publish', 2)`,
		batchID)
	require.NoError(t, err)

	evicoreID := uuid.New().String()
	_, err = client.DB().ExecContext(ctx,
		`INSERT INTO requests (id, batch_id, sequence_no, vendor, payload)
		 VALUES ($1, $2, 1, 'EVICORE', $3::jsonb)`,
		evicoreID, batchID, `{"vendorname":"EVICORE","patient_name":"Jane Roe"}`)
	require.NoError(t, err)

	availityID := uuid.New().String()
	_, err = client.DB().ExecContext(ctx,
		`INSERT INTO requests (id, batch_id, sequence_no, vendor, payload)
		 VALUES ($1, $2, 2, 'Availity', $3::jsonb)`,
		availityID, batchID, `{"vendorname":"Availity","patient_name":"John Doe"}`)
	require.NoError(t, err)

	// Containment query served by the jsonb_path_ops GIN index
	rows, err := client.DB().QueryContext(ctx,
		`SELECT id FROM requests WHERE payload @> $1::jsonb`,
		`{"vendorname":"EVICORE"}`)
	require.NoError(t, err)
	defer rows.Close()

	var results []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		results = append(results, id)
	}
	require.NoError(t, rows.Err())

	assert.Len(t, results, 1)
	assert.Equal(t, evicoreID, results[0])
}

func TestSequenceUniquenessPerBatch(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	batchID := uuid.New().String()
	_, err := client.DB().ExecContext(ctx,
		`INSERT INTO batches (id) VALUES ($1)`, batchID)
	require.NoError(t, err)

	_, err = client.DB().ExecContext(ctx,
		`INSERT INTO requests (id, batch_id, sequence_no, payload) VALUES ($1, $2, 1, '{}'::jsonb)`,
		uuid.New().String(), batchID)
	require.NoError(t, err)

	// Same sequence number in the same batch must be rejected
	_, err = client.DB().ExecContext(ctx,
		`INSERT INTO requests (id, batch_id, sequence_no, payload) VALUES ($1, $2, 1, '{}'::jsonb)`,
		uuid.New().String(), batchID)
	assert.Error(t, err)
}

func TestLoadConfigFromEnv(t *testing.T) {
	envKeys := []string{
		"DATABASE_URL",
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
		"DB_CONN_MAX_LIFETIME", "DB_CONN_MAX_IDLE_TIME",
	}

	tests := []struct {
		name        string
		envVars     map[string]string
		wantErr     bool
		errContains string
	}{
		{
			name: "valid config with defaults",
			envVars: map[string]string{
				"DB_PASSWORD": "test",
			},
			wantErr: false,
		},
		{
			name: "DATABASE_URL alone is sufficient",
			envVars: map[string]string{
				"DATABASE_URL": "postgres://u:p@db.example.com:5432/preflight",
			},
			wantErr: false,
		},
		{
			name: "valid config with custom values",
			envVars: map[string]string{
				"DB_HOST":           "db.example.com",
				"DB_PORT":           "5433",
				"DB_USER":           "admin",
				"DB_PASSWORD":       "secret",
				"DB_NAME":           "production",
				"DB_SSLMODE":        "require",
				"DB_MAX_OPEN_CONNS": "50",
				"DB_MAX_IDLE_CONNS": "20",
			},
			wantErr: false,
		},
		{
			name: "invalid DB_PORT",
			envVars: map[string]string{
				"DB_PORT":     "invalid",
				"DB_PASSWORD": "test",
			},
			wantErr:     true,
			errContains: "invalid DB_PORT",
		},
		{
			name: "invalid DB_MAX_OPEN_CONNS",
			envVars: map[string]string{
				"DB_MAX_OPEN_CONNS": "not_a_number",
				"DB_PASSWORD":       "test",
			},
			wantErr:     true,
			errContains: "invalid DB_MAX_OPEN_CONNS",
		},
		{
			name: "invalid DB_CONN_MAX_LIFETIME",
			envVars: map[string]string{
				"DB_CONN_MAX_LIFETIME": "invalid_duration",
				"DB_PASSWORD":          "test",
			},
			wantErr:     true,
			errContains: "invalid DB_CONN_MAX_LIFETIME",
		},
		{
			name:        "missing password",
			envVars:     map[string]string{},
			wantErr:     true,
			errContains: "DB_PASSWORD is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range envKeys {
				os.Unsetenv(key)
			}
			for key, val := range tt.envVars {
				os.Setenv(key, val)
			}
			t.Cleanup(func() {
				for _, key := range envKeys {
					os.Unsetenv(key)
				}
			})

			cfg, err := LoadConfigFromEnv()

			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}

			require.NoError(t, err)
			if tt.name == "valid config with defaults" {
				assert.Equal(t, "localhost", cfg.Host)
				assert.Equal(t, 5432, cfg.Port)
				assert.Equal(t, 25, cfg.MaxOpenConns)
				assert.Equal(t, 10, cfg.MaxIdleConns)
			}
			if tt.name == "DATABASE_URL alone is sufficient" {
				assert.Equal(t, "postgres://u:p@db.example.com:5432/preflight", cfg.DSN())
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Host:         "localhost",
		Port:         5432,
		User:         "test",
		Password:     "test",
		Database:     "test",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	}

	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, valid.Validate())
	})

	t.Run("missing password", func(t *testing.T) {
		cfg := valid
		cfg.Password = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("URL overrides password requirement", func(t *testing.T) {
		cfg := valid
		cfg.Password = ""
		cfg.URL = "postgres://u:p@localhost/test"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("idle conns exceed max conns", func(t *testing.T) {
		cfg := valid
		cfg.MaxOpenConns = 5
		cfg.MaxIdleConns = 10
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero max open conns", func(t *testing.T) {
		cfg := valid
		cfg.MaxOpenConns = 0
		cfg.MaxIdleConns = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestHealthStatusJSONMilliseconds(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	require.NotNil(t, health)

	assert.GreaterOrEqual(t, health.ResponseTime, int64(0))
	assert.Less(t, health.ResponseTime, int64(1000), "local ping should be under a second")

	jsonBytes, err := json.Marshal(health)
	require.NoError(t, err)

	var jsonData map[string]any
	require.NoError(t, json.Unmarshal(jsonBytes, &jsonData))

	responseTime, ok := jsonData["response_time_ms"].(float64)
	require.True(t, ok, "response_time_ms should be a number")
	assert.Less(t, responseTime, float64(1000000), "response_time_ms should be in milliseconds, not nanoseconds")
}
