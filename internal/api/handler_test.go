package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goorm-sudo/raillo/settlement/internal/db/memory"
	"github.com/goorm-sudo/raillo/settlement/internal/lock"
	"github.com/goorm-sudo/raillo/settlement/internal/metrics"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/goorm-sudo/raillo/settlement/internal/policy"
	"github.com/goorm-sudo/raillo/settlement/internal/services"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []model.GatewayRefundRequest
	res   *model.GatewayRefundResult
	err   error
}

func (g *fakeGateway) Refund(_ context.Context, req model.GatewayRefundRequest) (*model.GatewayRefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	return g.res, g.err
}

type testServer struct {
	http    http.Handler
	ledger  *services.LedgerService
	earning *services.EarningService
	outbox  *services.OutboxService
	gateway *fakeGateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := memory.NewStore()
	locker := lock.NewLocal()
	m := metrics.New(logger, 0)
	gw := &fakeGateway{res: &model.GatewayRefundResult{Success: true, TransactionID: "gw-1", ApprovalNo: "A-1"}}

	ledger := services.NewLedgerService(logger, store, store.Ledger(), nil, locker, 365*24*time.Hour)
	outbox := services.NewOutboxService(logger, store.Outbox(), nil, m, services.OutboxConfig{
		BatchSize: 100, MaxRetry: 3, ProcessingTimeout: time.Minute, Retention: time.Hour,
	})
	earning := services.NewEarningService(logger, store, store.Schedules(), ledger, outbox, locker, m, services.EarningConfig{
		BatchSize: 100, Concurrency: 2, MaxRetry: 3, Retention: time.Hour,
	})
	refund := services.NewRefundService(logger, store, store.Refunds(), ledger, earning, outbox, gw,
		policy.NewResolver(logger, nil, nil, policy.Default()), locker, m, services.RefundConfig{
			UnknownTimeout: 30 * time.Minute, BatchSize: 10,
		})
	outbox.Register(model.EventTrainArrived, earning.ApplyTrainArrival)
	outbox.Register(model.EventEarningReady, earning.HandleEarningReady)

	return &testServer{NewHandler(ledger, earning, refund, m, logger), ledger, earning, outbox, gw}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.http.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (s *testServer) earn(t *testing.T, member, points int64) {
	t.Helper()
	_, err := s.ledger.Earn(context.Background(), member, points, "seed", "seed")
	require.NoError(t, err)
}

func TestBalanceAndUse(t *testing.T) {
	s := newTestServer(t)
	s.earn(t, 7, 500)

	rec := s.do(t, http.MethodPost, "/members/7/use", useRequest{Points: 200, PurchaseID: "p-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	entry := decodeBody[model.LedgerEntry](t, rec)
	require.Equal(t, int64(-200), entry.PointsAmount)
	require.Equal(t, int64(300), entry.BalanceAfter)

	rec = s.do(t, http.MethodGet, "/members/7/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, balanceResponse{MemberID: 7, CurrentBalance: 300, ActiveBalance: 300}, decodeBody[balanceResponse](t, rec))

	rec = s.do(t, http.MethodGet, "/members/7/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]model.LedgerEntry](t, rec), 2)
}

func TestUseErrors(t *testing.T) {
	s := newTestServer(t)
	s.earn(t, 7, 100)

	tests := []struct {
		name string
		path string
		body any
		code int
	}{
		{"overdraft", "/members/7/use", useRequest{Points: 101, PurchaseID: "p-1"}, http.StatusUnprocessableEntity},
		{"zero points", "/members/7/use", useRequest{Points: 0, PurchaseID: "p-1"}, http.StatusBadRequest},
		{"broken body", "/members/7/use", "points", http.StatusBadRequest},
		{"adjust overdraft", "/members/7/adjust", adjustRequest{Amount: -500, Reason: "fix"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			require.NotEmpty(t, decodeBody[errorResponse](t, rec).Error)
		})
	}
}

func TestUnknownMemberRouteIsNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/members/abc/balance", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/schedules/not-a-uuid", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryRejectsBadRange(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/members/7/history?from=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArrivalEarnsMileage(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	arrival := time.Now().Add(-time.Minute).UTC()
	sch, _, err := s.earning.CreateSchedule(ctx, model.PurchaseCompleted{
		PurchaseID:      "p-9",
		MemberID:        9,
		Amount:          40000,
		TrainScheduleID: "KTX-7",
		ExpectedArrival: arrival,
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/members/9/balance", nil)
	require.Equal(t, int64(400), decodeBody[balanceResponse](t, rec).PendingMileage)

	rec = s.do(t, http.MethodPost, "/trains/arrivals", model.TrainArrival{TrainScheduleID: "KTX-7", ArrivalTime: arrival, DelayMinutes: 65})
	require.Equal(t, http.StatusAccepted, rec.Code)
	for i := 0; i < 3; i++ {
		_, err = s.outbox.ProcessPending(ctx)
		require.NoError(t, err)
	}

	rec = s.do(t, http.MethodGet, "/schedules/"+sch.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[model.EarningSchedule](t, rec)
	require.Equal(t, model.ScheduleFullyCompleted, got.Status)
	require.Equal(t, int64(20000), got.DelayCompensationAmount)

	rec = s.do(t, http.MethodGet, "/members/9/balance", nil)
	require.Equal(t, balanceResponse{MemberID: 9, CurrentBalance: 20400, ActiveBalance: 20400}, decodeBody[balanceResponse](t, rec))

	rec = s.do(t, http.MethodGet, "/purchases/p-9/schedule?memberId=9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/purchases/p-9/schedule", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/statistics/earnings?from="+time.Now().Add(-time.Hour).Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[statisticsResponse](t, rec)
	require.Equal(t, int64(1), st.FullyCompleted)
	require.Equal(t, map[string]int64{"0.5": 20000}, st.CompensationByRate)

	rec = s.do(t, http.MethodPost, "/schedules/"+sch.ID.String()+"/retry", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func refundBody(purchaseID string, departure time.Time) model.RefundRequest {
	return model.RefundRequest{
		PurchaseID:           purchaseID,
		MemberID:             3,
		TrainScheduleID:      "KTX-1",
		Operator:             "KORAIL",
		PaymentTransactionID: "pay-" + purchaseID,
		OriginalAmount:       30000,
		DepartureTime:        departure,
		ArrivalTime:          departure.Add(2 * time.Hour),
		RefundType:           model.RefundCancel,
		Reason:               "plans changed",
	}
}

func TestRefundLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/refunds", refundBody("p-1", time.Now().Add(2*time.Hour)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	calc := decodeBody[model.RefundCalculation](t, rec)
	require.Equal(t, model.RefundPending, calc.Status)
	require.Equal(t, int64(3000), calc.RefundFee)
	require.Equal(t, int64(27000), calc.RefundAmount)

	rec = s.do(t, http.MethodPost, "/refunds/"+calc.ID.String()+"/process", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, model.RefundCompleted, decodeBody[model.RefundCalculation](t, rec).Status)
	require.Len(t, s.gateway.calls, 1)

	rec = s.do(t, http.MethodPost, "/refunds/"+calc.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/purchases/p-1/refund", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/members/3/refunds", nil)
	require.Len(t, decodeBody[[]model.RefundCalculation](t, rec), 1)
}

func TestRefundAmbiguousIsAccepted(t *testing.T) {
	s := newTestServer(t)
	s.gateway.err = model.ErrGatewayAmbiguous

	rec := s.do(t, http.MethodPost, "/refunds", refundBody("p-2", time.Now().Add(48*time.Hour)))
	require.Equal(t, http.StatusCreated, rec.Code)
	calc := decodeBody[model.RefundCalculation](t, rec)
	require.Zero(t, calc.RefundFee)

	rec = s.do(t, http.MethodPost, "/refunds/"+calc.ID.String()+"/process", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, model.RefundUnknown, decodeBody[model.RefundCalculation](t, rec).Status)

	s.gateway.err = nil
	rec = s.do(t, http.MethodPost, "/refunds/"+calc.ID.String()+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, model.RefundCompleted, decodeBody[model.RefundCalculation](t, rec).Status)
}

func TestRefundDeniedCarriesDeadline(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/refunds", refundBody("p-3", time.Now().Add(-5*time.Hour)))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[errorResponse](t, rec)
	require.NotNil(t, resp.Deadline)
	require.True(t, resp.Deadline.Before(time.Now()))
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&model.ValidationError{Field: "x", Reason: "bad"}, http.StatusBadRequest},
		{model.ErrNotFound, http.StatusNotFound},
		{model.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{&model.TransitionError{Machine: "refund", From: "COMPLETED", Event: "cancel"}, http.StatusConflict},
		{lock.ErrLockBusy, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.code, statusOf(tt.err), tt.err.Error())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/members/1/balance", nil)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `path="/members/{member:[0-9]+}/balance"`), rec.Body.String())
}
