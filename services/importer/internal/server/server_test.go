package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chatvault/internal/ratelimit"
	"chatvault/internal/servicetoken"
	"chatvault/pkg/domain"
	"chatvault/pkg/storage"
	"chatvault/pkg/store"
	"chatvault/services/importer/internal/app"
)

const testSecret = "importer-test-secret-0123456789"

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	return newLimitedTestServer(t, 0)
}

// newLimitedTestServer caps enqueues per owner at limit; zero disables it.
func newLimitedTestServer(t *testing.T, limit int) http.Handler {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	media, err := storage.NewFileStore(filepath.Join(t.TempDir(), "media"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	core, err := app.New(app.Config{
		Store:      store.NewMemoryStore(),
		RedisAddr:  redisSrv.Addr(),
		QueueName:  "test:imports",
		Media:      media,
		ScratchDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })
	cfg := Config{App: core, InternalJWTSecret: testSecret}
	if limit > 0 {
		client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		limiter, err := ratelimit.NewFixedWindow(client, "test:ratelimit", limit, time.Hour)
		if err != nil {
			t.Fatalf("new limiter: %v", err)
		}
		cfg.EnqueueLimiter = limiter
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.Router()
}

func bearer(t *testing.T, audience string) string {
	t.Helper()
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{Secret: testSecret, Issuer: "chatvault-cli"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	token, err := signer.Sign(audience)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + token
}

func do(t *testing.T, h http.Handler, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestJobsRequireServiceToken(t *testing.T) {
	h := newTestServer(t)
	body := app.EnqueueRequest{OwnerID: "u1", ChatID: "c1", ArchivePath: "/tmp/a.zip"}

	if rec := do(t, h, http.MethodPost, "/imports/jobs", "", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/imports/jobs", bearer(t, "gateway"), body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong audience: status = %d, want 401", rec.Code)
	}
}

func TestJobLifecycle(t *testing.T) {
	h := newTestServer(t)
	auth := bearer(t, Audience)

	rec := do(t, h, http.MethodPost, "/imports/jobs", auth, app.EnqueueRequest{OwnerID: "u1", ChatID: "c1", ArchivePath: "/tmp/a.zip"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d body=%s", rec.Code, rec.Body)
	}
	var job domain.ImportJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID == "" || job.State != domain.StateQueued {
		t.Fatalf("unexpected job %+v", job)
	}

	rec = do(t, h, http.MethodGet, "/imports/jobs/"+job.ID, auth, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/imports/jobs/"+job.ID+"/cancel", auth, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: status = %d body=%s", rec.Code, rec.Body)
	}
	var canceled domain.ImportJob
	_ = json.Unmarshal(rec.Body.Bytes(), &canceled)
	if !canceled.CancelRequested {
		t.Fatalf("cancel flag not set: %+v", canceled)
	}

	if rec := do(t, h, http.MethodGet, "/imports/jobs/missing", auth, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing job: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/imports/jobs/missing/cancel", auth, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel missing job: status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/imports/jobs/"+job.ID, auth, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("delete: status = %d", rec.Code)
	}
}

func TestCreateJobValidation(t *testing.T) {
	h := newTestServer(t)
	auth := bearer(t, Audience)

	rec := do(t, h, http.MethodPost, "/imports/jobs", auth, map[string]string{"chatId": "c1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/imports/jobs", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", auth)
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	if out.Code != http.StatusBadRequest {
		t.Fatalf("invalid json: status = %d", out.Code)
	}
}

func TestEnqueueRateLimitedPerOwner(t *testing.T) {
	h := newLimitedTestServer(t, 1)
	auth := bearer(t, Audience)

	first := do(t, h, http.MethodPost, "/imports/jobs", auth, app.EnqueueRequest{OwnerID: "u1", ChatID: "c1", ArchivePath: "/tmp/a.zip"})
	if first.Code != http.StatusCreated {
		t.Fatalf("first enqueue: status = %d body=%s", first.Code, first.Body)
	}
	second := do(t, h, http.MethodPost, "/imports/jobs", auth, app.EnqueueRequest{OwnerID: "u1", ChatID: "c2", ArchivePath: "/tmp/b.zip"})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second enqueue: status = %d, want 429", second.Code)
	}
	other := do(t, h, http.MethodPost, "/imports/jobs", auth, app.EnqueueRequest{OwnerID: "u2", ChatID: "c3", ArchivePath: "/tmp/c.zip"})
	if other.Code != http.StatusCreated {
		t.Fatalf("other owner: status = %d body=%s", other.Code, other.Body)
	}
}
