package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/iiot-sentinel/internal/analytics"
	"github.com/xela07ax/iiot-sentinel/internal/console/handler"
	"github.com/xela07ax/iiot-sentinel/internal/console/service"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/engine"
	"github.com/xela07ax/iiot-sentinel/internal/infra"
	"github.com/xela07ax/iiot-sentinel/internal/infra/auth"
	"github.com/xela07ax/iiot-sentinel/internal/ingest"
	"github.com/xela07ax/iiot-sentinel/internal/lifecycle"
	"github.com/xela07ax/iiot-sentinel/internal/repository/memory"
	"github.com/xela07ax/iiot-sentinel/internal/scoring"
	"github.com/xela07ax/iiot-sentinel/internal/topology"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type captureMailer struct {
	mu   sync.Mutex
	sent []service.Message
}

func (m *captureMailer) Send(_ context.Context, msg service.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *captureMailer) verificationToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent)
	body := m.sent[len(m.sent)-1].Body
	i := strings.Index(body, "token=")
	require.GreaterOrEqual(t, i, 0)
	return strings.Fields(body[i+len("token="):])[0]
}

type app struct {
	srv    *httptest.Server
	mailer *captureMailer
	hub    *handler.StreamHub
}

// newApp собирает API на in-memory хранилищах. Узел "hot" всегда оценивается как атакованный.
func newApp(t *testing.T) *app {
	t.Helper()
	logger := zap.NewNop()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	topo := topology.NewStore(logger)
	require.NoError(t, topo.Load([]domain.Node{
		{ID: "hot", Type: domain.NodeSensor, Name: "Pressure"},
		{ID: "plc-1", Type: domain.NodePLC, Name: "PLC"},
	}, []domain.Edge{{Source: "hot", Target: "plc-1"}}))

	in := ingest.New(topo, infra.IngestConfig{WindowSize: 8, QueueSize: 16, Timeout: time.Second}, nil, logger)
	t.Cleanup(in.Close)
	scorer := scoring.ScorerFunc(func(_ *scoring.Model, vec domain.FeatureVector, _ scoring.TopologyContext) scoring.Assessment {
		if vec.NodeID == "hot" {
			return scoring.Assessment{Confidence: 0.93, Temporal: 0.93, AttackType: domain.AttackFDI}
		}
		return scoring.Assessment{Confidence: 0.05}
	})
	eng := scoring.NewEngine(scorer, nil, topo, infra.ScoringConfig{Severity: domain.DefaultSeverityPolicy(), Timeout: time.Second}, nil, logger).
		WithStatusSink(topo)

	agg := analytics.New(time.UTC)
	lc := lifecycle.NewManager(lifecycle.NewMemoryStore(), agg, infra.LifecycleConfig{
		DetectionThreshold: 0.7,
		Cooldown:           5 * time.Minute,
	}, nil, logger)
	hub := handler.NewStreamHub("", logger)
	lc.Subscribe(hub)

	users := memory.NewUserStore()
	mailer := &captureMailer{}
	authSvc, err := service.NewAuthService(users, auth.NewTokenIssuer(key, "sentinel", time.Minute), mailer,
		infra.AuthConfig{BcryptCost: bcrypt.MinCost, VerificationTTL: time.Hour}, "http://localhost:5173", logger)
	require.NoError(t, err)
	_, err = authSvc.CreateAdmin(context.Background(), domain.SignupRequest{
		Name: "Root Admin", EmployeeID: "ADM-1", Email: "admin@plant.io",
		Password: "admin1234", ConfirmPassword: "admin1234",
	})
	require.NoError(t, err)

	api := NewAPIServer(logger, auth.NewBaseValidator(&key.PublicKey, "sentinel"), nil, Handlers{
		Auth:   handler.NewAuthHandler(authSvc, logger),
		Admin:  handler.NewAdminHandler(service.NewAdminService(users, mailer, agg, logger), logger),
		Model:  handler.NewModelHandler(service.NewDetectionService(in, eng, lc, topo, logger), logger),
		Stream: hub,
		Health: handler.NewHealthHandler("test"),
	})
	srv := httptest.NewServer(api)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &app{srv: srv, mailer: mailer, hub: hub}
}

func (a *app) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (a *app) login(t *testing.T, email, password string) string {
	t.Helper()
	resp := a.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok domain.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	return tok.AccessToken
}

func errCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body auth.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Code
}

func TestPublicRoutes(t *testing.T) {
	a := newApp(t)

	resp := a.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(engine.TraceHeader))

	resp = a.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/model/topology", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/admin/analytics", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOperatorOnboardingAndDetectionFlow(t *testing.T) {
	a := newApp(t)
	adminToken := a.login(t, "admin@plant.io", "admin1234")

	// Регистрация → подтверждение email → одобрение администратором
	resp := a.do(t, http.MethodPost, "/auth/signup", "", domain.SignupRequest{
		FullName: "Olga Operator", EmployeeID: "EMP-7", Email: "Olga@Plant.io",
		Password: "operator1", ConfirmPassword: "operator1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var user domain.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&user))
	assert.Equal(t, domain.StatusPending, user.Status)

	resp = a.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "olga@plant.io", "password": "operator1"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "email_not_verified", errCode(t, resp))

	token := a.mailer.verificationToken(t)
	resp = a.do(t, http.MethodPost, "/auth/verify-email?token="+token, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = a.do(t, http.MethodPost, "/auth/verify-email?token="+token, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "olga@plant.io", "password": "operator1"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "account_pending", errCode(t, resp))

	resp = a.do(t, http.MethodGet, "/admin/pending-users", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []domain.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	require.Len(t, pending, 1)

	approve := map[string]any{"user_id": pending[0].ID, "approved": true}
	resp = a.do(t, http.MethodPost, "/admin/approve-user", adminToken, approve)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = a.do(t, http.MethodPost, "/admin/approve-user", adminToken, approve)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	opToken := a.login(t, "olga@plant.io", "operator1")

	resp = a.do(t, http.MethodGet, "/admin/analytics", opToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Live-стрим с токеном в query
	wsURL := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/model/anomalies/stream?token=" + opToken
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return a.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	// Синхронная оценка создаёт аномалию, повтор в пределах cooldown, нет
	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	var anomalyID int64
	for i := 0; i < 2; i++ {
		resp = a.do(t, http.MethodPost, "/model/predict", opToken, map[string]any{
			"sensor_data": map[string]any{"node_id": "hot", "value": 100 + i, "timestamp": base.Add(time.Duration(i) * time.Second)},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var res domain.ScoreResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
		assert.Equal(t, domain.SeverityCritical, res.Severity)
		if i == 0 {
			require.NotNil(t, res.AnomalyID)
			anomalyID = *res.AnomalyID
		} else {
			assert.Nil(t, res.AnomalyID)
		}
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt domain.AnomalyEvent
	require.NoError(t, ws.ReadJSON(&evt))
	assert.Equal(t, domain.AnomalyCreated, evt.Type)
	assert.Equal(t, anomalyID, evt.Anomaly.ID)

	resp = a.do(t, http.MethodGet, "/model/topology", opToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view domain.TopologyView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, domain.NodeAlert, view.Nodes[0].Status)

	resp = a.do(t, http.MethodGet, "/model/anomalies?resolved=false", opToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var open []domain.Anomaly
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&open))
	require.Len(t, open, 1)

	path := fmt.Sprintf("/model/anomalies/%d/resolve", anomalyID)
	for i := 0; i < 2; i++ {
		resp = a.do(t, http.MethodPost, path, opToken, nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
	resp = a.do(t, http.MethodPost, "/model/anomalies/999/resolve", opToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/admin/analytics", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats domain.AdminAnalytics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.EqualValues(t, 1, stats.TotalAnomalies)
	assert.EqualValues(t, 0, stats.OpenAnomalies)
	assert.EqualValues(t, 1, stats.AttackTypes[domain.AttackFDI])
	assert.EqualValues(t, 2, stats.TotalUsers)
	assert.Equal(t, "healthy", stats.SystemHealth)
}
