package database

import (
	"testing"

	"github.com/preflight-health/preflight/pkg/database"
	"github.com/preflight-health/preflight/test/util"
)

// NewTestClient creates a test database client backed by an isolated schema.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
// The schema and connections are automatically cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	return util.SetupTestDatabase(t)
}
