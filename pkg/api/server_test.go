package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preflight-health/preflight/pkg/agent"
	"github.com/preflight-health/preflight/pkg/config"
	"github.com/preflight-health/preflight/pkg/models"
	"github.com/preflight-health/preflight/pkg/relay"
	"github.com/preflight-health/preflight/pkg/session"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeChain struct{ url string }

func (c *fakeChain) DevToolsURL() string        { return c.url }
func (c *fakeChain) Stop(context.Context) error { return nil }

type fakeLauncher struct{ err error }

func (l *fakeLauncher) Launch(_ context.Context, sessionID string, _ session.Slot) (session.Chain, error) {
	if l.err != nil {
		return nil, l.err
	}
	return &fakeChain{url: "ws://127.0.0.1:9222/devtools/browser/" + sessionID}, nil
}

type fakeRunner struct {
	spec   agent.RunSpec
	calls  int
	result string
	err    error
}

func (r *fakeRunner) Run(_ context.Context, spec agent.RunSpec) (string, error) {
	r.calls++
	r.spec = spec
	if r.err != nil {
		return "", r.err
	}
	return r.result, nil
}

type fakeBatches struct {
	ingestResp *models.IngestResponse
	statusResp *models.BatchStatusResponse
	err        error

	gotIngest  models.IngestRequest
	gotBatchID string
}

func (b *fakeBatches) Ingest(_ context.Context, input models.IngestRequest) (*models.IngestResponse, error) {
	b.gotIngest = input
	if b.err != nil {
		return nil, b.err
	}
	return b.ingestResp, nil
}

func (b *fakeBatches) GetBatchStatus(_ context.Context, batchID string) (*models.BatchStatusResponse, error) {
	b.gotBatchID = batchID
	if b.err != nil {
		return nil, b.err
	}
	return b.statusResp, nil
}

type fakeProgressStore struct {
	err error

	rows   []models.RequestSummary
	detail *models.RequestDetail
	action *models.ManualAction
	stats  *models.DashboardStats

	gotRequestID string
	gotUpdate    models.StatusUpdate
	gotFilters   models.ProgressFilters
	gotActionID  string
	gotMetadata  json.RawMessage
	gotWindow    int
}

func (p *fakeProgressStore) UpsertProgress(_ context.Context, requestID string, update models.StatusUpdate) (*models.RequestProgress, error) {
	p.gotRequestID = requestID
	p.gotUpdate = update
	if p.err != nil {
		return nil, p.err
	}
	return &models.RequestProgress{RequestID: requestID, Status: update.Status, Remarks: update.Remarks}, nil
}

func (p *fakeProgressStore) ListRecent(_ context.Context, filters models.ProgressFilters) ([]models.RequestSummary, error) {
	p.gotFilters = filters
	if p.err != nil {
		return nil, p.err
	}
	return p.rows, nil
}

func (p *fakeProgressStore) GetRequestDetail(_ context.Context, requestID string) (*models.RequestDetail, error) {
	p.gotRequestID = requestID
	if p.err != nil {
		return nil, p.err
	}
	return p.detail, nil
}

func (p *fakeProgressStore) MarkActionCompleted(_ context.Context, actionID string, metadata json.RawMessage) (*models.ManualAction, error) {
	p.gotActionID = actionID
	p.gotMetadata = metadata
	if p.err != nil {
		return nil, p.err
	}
	return p.action, nil
}

func (p *fakeProgressStore) AggregateStats(_ context.Context, windowDays int) (*models.DashboardStats, error) {
	p.gotWindow = windowDays
	if p.err != nil {
		return nil, p.err
	}
	return p.stats, nil
}

// serverFixture is a full server over fakes: real registry and relay, fake
// runner and services.
type serverFixture struct {
	server   *Server
	registry *session.Registry
	runner   *fakeRunner
	batches  *fakeBatches
	progress *fakeProgressStore
	relay    *relay.Relay
	redis    *miniredis.Miniredis
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()
	cfg := config.DefaultSessionConfig()
	cfg.PoolSize = 2
	return newTestServerWith(t, cfg)
}

func newTestServerWith(t *testing.T, sessCfg *config.SessionConfig) *serverFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisCfg := config.DefaultRedisConfig()
	redisCfg.SSEBlock = 20 * time.Millisecond

	f := &serverFixture{
		registry: session.NewRegistry(sessCfg, session.NewPool(sessCfg), &fakeLauncher{}),
		runner:   &fakeRunner{result: "done"},
		batches:  &fakeBatches{},
		progress: &fakeProgressStore{},
		relay:    relay.New(client, redisCfg),
		redis:    mr,
	}
	f.server = NewServer(ServerDeps{
		Config:   config.DefaultServerConfig(),
		Registry: f.registry,
		Runner:   f.runner,
		Batches:  f.batches,
		Progress: f.progress,
		Logs:     f.relay,
	})
	return f
}

func perform(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func TestNewServerPanicsOnMissingDeps(t *testing.T) {
	require.Panics(t, func() { NewServer(ServerDeps{}) })
}

func TestHealth(t *testing.T) {
	f := newTestServer(t)

	rec := perform(t, f.server.Handler(), http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "preflight", body["service"])
	assert.Contains(t, body, "version")
}

func TestSecurityHeaders(t *testing.T) {
	f := newTestServer(t)

	rec := perform(t, f.server.Handler(), http.MethodGet, "/health", "")

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
}
