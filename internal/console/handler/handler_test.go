package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/iiot-sentinel/internal/domain"
	"github.com/xela07ax/iiot-sentinel/internal/infra/auth"
	"go.uber.org/zap"
)

type fakeDetection struct {
	filter   domain.AnomalyFilter
	resolved []int64
	actor    string
	reading  domain.TelemetryReading
	err      error
}

func (f *fakeDetection) Topology() domain.TopologyView {
	return domain.TopologyView{
		Nodes: []domain.Node{{ID: "A", Type: domain.NodeSensor, Status: domain.NodeOnline}},
		Edges: []domain.Edge{},
	}
}

func (f *fakeDetection) Anomalies(_ context.Context, fl domain.AnomalyFilter) ([]domain.Anomaly, error) {
	f.filter = fl
	return []domain.Anomaly{}, f.err
}

func (f *fakeDetection) Resolve(_ context.Context, id int64, actor string) (*domain.Anomaly, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.resolved = append(f.resolved, id)
	f.actor = actor
	return &domain.Anomaly{ID: id, IsResolved: true}, nil
}

func (f *fakeDetection) Predict(_ context.Context, r domain.TelemetryReading) (domain.ScoreResult, error) {
	f.reading = r
	if f.err != nil {
		return domain.ScoreResult{}, f.err
	}
	return domain.ScoreResult{NodeID: r.NodeID, Confidence: 0.42, Severity: domain.SeverityMedium}, nil
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) auth.ErrorBody {
	t.Helper()
	var body auth.ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  *domain.Error
		want int
	}{
		{domain.Validationf("x"), http.StatusBadRequest},
		{domain.ErrInvalidCredentials, http.StatusUnauthorized},
		{domain.ErrTooManyAttempts, http.StatusTooManyRequests},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrAnomalyNotFound, http.StatusNotFound},
		{domain.ErrAlreadyDecided, http.StatusConflict},
		{domain.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{domain.ErrInternalError, http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Code)
	}
}

func TestWriteError_HidesInternalText(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, zap.NewNop(), assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeErr(t, rec)
	assert.Equal(t, domain.KindInternal, body.Kind)
	assert.NotContains(t, body.Message, assert.AnError.Error())
}

func TestAnomalies_QueryParsing(t *testing.T) {
	svc := &fakeDetection{}
	h := NewModelHandler(svc, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Anomalies(rec, httptest.NewRequest(http.MethodGet, "/model/anomalies?limit=10&resolved=false&node_id=A", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, svc.filter.Limit)
	require.NotNil(t, svc.filter.Resolved)
	assert.False(t, *svc.filter.Resolved)
	assert.Equal(t, "A", svc.filter.NodeID)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.Anomalies(rec, httptest.NewRequest(http.MethodGet, "/model/anomalies", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, svc.filter.Resolved)

	for _, q := range []string{"limit=-1", "limit=abc", "resolved=maybe"} {
		rec = httptest.NewRecorder()
		h.Anomalies(rec, httptest.NewRequest(http.MethodGet, "/model/anomalies?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestResolve_UsesClaimsAndRouteParam(t *testing.T) {
	svc := &fakeDetection{}
	h := NewModelHandler(svc, zap.NewNop())
	r := chi.NewRouter()
	r.Post("/model/anomalies/{id}/resolve", h.Resolve)

	req := httptest.NewRequest(http.MethodPost, "/model/anomalies/7/resolve", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), &domain.CustomClaims{UserID: 1, Email: "op@plant"}))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{7}, svc.resolved)
	assert.Equal(t, "op@plant", svc.actor)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/model/anomalies/xyz/resolve", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	svc.err = domain.ErrAnomalyNotFound
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/model/anomalies/999/resolve", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "anomaly_not_found", decodeErr(t, rec).Code)
}

func TestPredict(t *testing.T) {
	svc := &fakeDetection{}
	h := NewModelHandler(svc, zap.NewNop())

	rec := httptest.NewRecorder()
	body := `{"sensor_data":{"node_id":"A","value":21.5,"timestamp":"2026-03-01T12:00:00Z"}}`
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/model/predict", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "A", svc.reading.NodeID)
	require.NotNil(t, svc.reading.Value)
	assert.Equal(t, 21.5, *svc.reading.Value)

	var res domain.ScoreResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, domain.SeverityMedium, res.Severity)

	rec = httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/model/predict", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/model/predict", strings.NewReader(`{not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.err = domain.ErrStaleReading
	rec = httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/model/predict", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "stale_reading", decodeErr(t, rec).Code)
}

type fakeAdmin struct {
	decided map[int64]bool
	adminID int64
}

func (f *fakeAdmin) PendingUsers(context.Context) ([]domain.User, error) {
	return []domain.User{{ID: 3, Email: "new@plant", Status: domain.StatusPending}}, nil
}

func (f *fakeAdmin) DecideUser(_ context.Context, req domain.ApproveUserRequest, adminID int64) (*domain.User, error) {
	if f.decided[req.UserID] {
		return nil, domain.ErrAlreadyDecided
	}
	f.decided[req.UserID] = true
	f.adminID = adminID
	return &domain.User{ID: req.UserID}, nil
}

func (f *fakeAdmin) Analytics(context.Context) (domain.AdminAnalytics, error) {
	return domain.AdminAnalytics{SystemHealth: "healthy"}, nil
}

func TestApproveUser(t *testing.T) {
	svc := &fakeAdmin{decided: map[int64]bool{}}
	h := NewAdminHandler(svc, zap.NewNop())

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/approve-user", strings.NewReader(`{"user_id":3,"approved":true}`))
		req = req.WithContext(auth.WithClaims(req.Context(), &domain.CustomClaims{UserID: 1, Role: domain.RoleAdmin}))
		rec := httptest.NewRecorder()
		h.ApproveUser(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, call().Code)
	assert.EqualValues(t, 1, svc.adminID)

	rec := call()
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_decided", decodeErr(t, rec).Code)
}

type fakeAuth struct {
	loginErr error
}

func (f *fakeAuth) Signup(_ context.Context, req domain.SignupRequest) (*domain.User, error) {
	return &domain.User{ID: 1, Email: req.Email, Status: domain.StatusPending}, nil
}

func (f *fakeAuth) VerifyEmail(_ context.Context, token string) (*domain.User, error) {
	if token == "" {
		return nil, domain.ErrInvalidVerificationToken
	}
	return &domain.User{ID: 1}, nil
}

func (f *fakeAuth) ResendVerification(context.Context, string) error { return nil }

func (f *fakeAuth) Login(context.Context, domain.LoginRequest) (*domain.TokenResponse, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &domain.TokenResponse{AccessToken: "t", TokenType: "bearer"}, nil
}

func TestAuthHandler(t *testing.T) {
	svc := &fakeAuth{}
	h := NewAuthHandler(svc, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Signup(rec, httptest.NewRequest(http.MethodPost, "/auth/signup", strings.NewReader(`{"email":"a@b.c"}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.VerifyEmail(rec, httptest.NewRequest(http.MethodGet, "/auth/verify-email", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ResendVerification(rec, httptest.NewRequest(http.MethodPost, "/auth/resend-verification", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ResendVerification(rec, httptest.NewRequest(http.MethodPost, "/auth/resend-verification?email=x@y.z", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.loginErr = domain.ErrTooManyAttempts
	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"a@b.c","password":"x"}`)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	svc.loginErr = domain.ErrAccountPending
	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"a@b.c","password":"x"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "account_pending", decodeErr(t, rec).Code)
}
