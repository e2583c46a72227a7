package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vote-service/internal/broadcast"
	"vote-service/internal/config"
	"vote-service/internal/delivery"
	"vote-service/internal/encryption"
	"vote-service/internal/guard"
	"vote-service/internal/hashing"
	"vote-service/internal/identity"
	"vote-service/internal/ledger"
	"vote-service/internal/otp"
	"vote-service/internal/repository/sqldb"
	"vote-service/internal/token"
)

type outbox struct {
	mu   sync.Mutex
	msgs []delivery.Message
	fail error
}

func (o *outbox) Deliver(_ context.Context, msg delivery.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) lastCode() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.msgs[len(o.msgs)-1].Code
}

func (o *outbox) setFail(err error) {
	o.mu.Lock()
	o.fail = err
	o.mu.Unlock()
}

type healthy map[string]error

func (h healthy) HealthCheck(context.Context) map[string]error { return h }

type app struct {
	srv    *httptest.Server
	outbox *outbox
}

func newApp(t *testing.T, limits guard.Limits, health HealthChecker) *app {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	db, err := sqldb.Open(ctx, sqldb.DriverSQLite,
		"file:"+filepath.Join(t.TempDir(), "votes.db")+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqldb.CreateSchema(ctx, db))

	normalizer, err := identity.NewNormalizer(identity.ModeCombined, "test-salt")
	require.NoError(t, err)
	issuer, err := token.NewIssuer("0123456789abcdef0123456789abcdef", "vote-service", 10*time.Minute)
	require.NoError(t, err)
	hasher := hashing.NewHasherWithPeppers(
		hashing.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		[]hashing.Pepper{{Value: "pepper", Version: 1}})

	box := &outbox{}
	mgr, err := otp.NewManager(otp.Deps{
		Store:      otp.NewMemoryStore(),
		Normalizer: normalizer,
		Guard:      guard.NewAbuseGuard(guard.NewMemoryStore(), limits, logger),
		Gateway:    box,
		Hasher:     hasher,
		Sealer:     encryption.NewEncryptionManager(&config.Config{}, nil),
		Issuer:     issuer,
		Logger:     logger,
	}, otp.Config{CodeTTL: 5 * time.Minute, MaxAttempts: 3, TerminalGrace: 10 * time.Minute})
	require.NoError(t, err)

	store := sqldb.NewLedgerStore(db, sqldb.DriverSQLite)
	hub := broadcast.NewHub(store, broadcast.Config{HeartbeatInterval: time.Hour}, logger)
	hubCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(hubCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ldg := ledger.New(store, mgr, logger, ledger.WithPublishers(hub))
	router := NewRouter(RouterConfig{RequestTimeout: 5 * time.Second},
		NewOTPHandler(mgr, logger), NewVoteHandler(issuer, ldg, logger), hub, health, logger)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &app{srv: srv, outbox: box}
}

func defaultLimits() guard.Limits {
	return guard.Limits{RequestLimit: 5, RequestWindow: time.Hour, AttemptLimit: 10, AttemptWindow: time.Hour, ResendCooldown: time.Minute}
}

type envelope struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   string                 `json:"error"`
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
}

func (a *app) do(t *testing.T, method, path string, body interface{}) (*http.Response, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func voter(project string) map[string]string {
	return map[string]string{"email": "a@x.com", "phone": "08012345678", "projectId": project}
}

func TestVoteFlowEndToEnd(t *testing.T) {
	a := newApp(t, defaultLimits(), nil)

	stream, err := http.Get(a.srv.URL + "/api/v1/tally/stream")
	require.NoError(t, err)
	defer stream.Body.Close()
	events := bufio.NewReader(stream.Body)
	readData := func() map[string]interface{} {
		t.Helper()
		for {
			line, err := events.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				var out map[string]interface{}
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &out))
				return out
			}
		}
	}
	assert.Equal(t, "snapshot", readData()["type"])

	resp, env := a.do(t, http.MethodPost, "/api/v1/otp/request", voter("P1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := env.Data["sessionId"].(string)
	assert.Equal(t, float64(300), env.Data["expiresInSeconds"])
	assert.Equal(t, false, env.Data["alreadyActive"])

	resp, env = a.do(t, http.MethodPost, "/api/v1/otp/request", voter("P1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sessionID, env.Data["sessionId"])
	assert.Equal(t, true, env.Data["alreadyActive"])

	code := a.outbox.lastCode()
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	resp, env = a.do(t, http.MethodPost, "/api/v1/otp/verify", map[string]string{"sessionId": sessionID, "code": wrong})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "code_mismatch", env.Kind)
	assert.Equal(t, float64(2), env.Data["remainingAttempts"])

	resp, env = a.do(t, http.MethodPost, "/api/v1/otp/verify", map[string]string{"sessionId": sessionID, "code": code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tok := env.Data["token"].(string)
	require.NotEmpty(t, tok)

	resp, env = a.do(t, http.MethodPost, "/api/v1/vote", map[string]string{"token": tok})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"projectId": "P1", "newCount": float64(1), "version": float64(1)}, env.Data)

	delta := readData()
	assert.Equal(t, "delta", delta["type"])
	assert.Equal(t, "P1", delta["projectId"])
	assert.Equal(t, float64(1), delta["newCount"])

	resp, env = a.do(t, http.MethodPost, "/api/v1/vote", map[string]string{"token": tok})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "token_already_consumed", env.Kind)

	resp, env = a.do(t, http.MethodGet, "/api/v1/otp/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "consumed", env.Data["state"])

	resp, env = a.do(t, http.MethodGet, "/api/v1/tally", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, env.Data["tallies"], 1)

	resp, env = a.do(t, http.MethodGet, "/api/v1/tally/P1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), env.Data["voteCount"])
}

func TestSecondVoteForSameProjectIsDuplicate(t *testing.T) {
	a := newApp(t, defaultLimits(), nil)

	voteOnce := func() (*http.Response, envelope) {
		_, env := a.do(t, http.MethodPost, "/api/v1/otp/request", voter("P1"))
		sessionID := env.Data["sessionId"].(string)
		_, env = a.do(t, http.MethodPost, "/api/v1/otp/verify", map[string]string{"sessionId": sessionID, "code": a.outbox.lastCode()})
		return a.do(t, http.MethodPost, "/api/v1/vote", map[string]string{"token": env.Data["token"].(string)})
	}

	resp, _ := voteOnce()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, env := voteOnce()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate_vote", env.Kind)
	assert.False(t, env.Success)
}

func TestRequestValidationErrors(t *testing.T) {
	a := newApp(t, defaultLimits(), nil)

	cases := []struct {
		name   string
		body   interface{}
		status int
		kind   string
	}{
		{"malformed json", "{", http.StatusBadRequest, "invalid_request"},
		{"bad identity", map[string]string{"email": "nope", "phone": "08012345678", "projectId": "P1"}, http.StatusBadRequest, "invalid_identity"},
		{"missing project", map[string]string{"email": "a@x.com", "phone": "08012345678"}, http.StatusBadRequest, "invalid_request"},
		{"bad channel", map[string]string{"email": "a@x.com", "phone": "08012345678", "projectId": "P1", "channel": "pigeon"}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, env := a.do(t, http.MethodPost, "/api/v1/otp/request", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.kind, env.Kind)
			assert.False(t, env.Success)
		})
	}

	resp, env := a.do(t, http.MethodPost, "/api/v1/otp/verify", map[string]string{"sessionId": "missing", "code": "123456"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session_not_found", env.Kind)

	resp, env = a.do(t, http.MethodPost, "/api/v1/vote", map[string]string{"token": "not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", env.Kind)

	resp, env = a.do(t, http.MethodGet, "/api/v1/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", env.Kind)
}

func TestRateLimitedRequestSetsRetryAfter(t *testing.T) {
	limits := defaultLimits()
	limits.RequestLimit = 1
	a := newApp(t, limits, nil)

	resp, _ := a.do(t, http.MethodPost, "/api/v1/otp/request", voter("P1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, env := a.do(t, http.MethodPost, "/api/v1/otp/request", voter("P2"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", env.Kind)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Greater(t, env.Data["retryAfterSeconds"], float64(0))
}

func TestDeliveryFailureKeepsSessionHandle(t *testing.T) {
	a := newApp(t, defaultLimits(), nil)
	a.outbox.setFail(errors.New("gateway down"))

	resp, env := a.do(t, http.MethodPost, "/api/v1/otp/request", voter("P1"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "delivery_failed", env.Kind)
	assert.NotEmpty(t, env.Data["sessionId"])
}

func TestHealthReportsFailures(t *testing.T) {
	a := newApp(t, defaultLimits(), healthy{"redis": errors.New("connection refused")})

	resp, env := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", env.Data["status"])

	ok := newApp(t, defaultLimits(), healthy{})
	resp, env = ok.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
}

func TestClassifyUnknownErrorIsInternal(t *testing.T) {
	status, kind, public, _ := classify(errors.New("pq: connection reset"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal", kind)
	assert.NotContains(t, public, "pq")

	status, kind, _, _ = classify(&otp.MismatchError{Remaining: 1})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "code_mismatch", kind)

	assert.Equal(t, int64(2), seconds(1500*time.Millisecond))
}
