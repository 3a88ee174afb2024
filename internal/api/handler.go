// Package api is the HTTP surface of the settlement service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/goorm-sudo/raillo/settlement/internal/lock"
	"github.com/goorm-sudo/raillo/settlement/internal/metrics"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"github.com/goorm-sudo/raillo/settlement/internal/services"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type SettlementHandler struct {
	router  *mux.Router
	ledger  *services.LedgerService
	earning *services.EarningService
	refund  *services.RefundService
	logger  *zap.Logger
}

func NewHandler(ledger *services.LedgerService, earning *services.EarningService, refund *services.RefundService, m *metrics.Registry, logger *zap.Logger) http.Handler {
	router := mux.NewRouter()
	h := &SettlementHandler{router, ledger, earning, refund, logger}

	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	members := router.PathPrefix("/members/{member:[0-9]+}").Subrouter()
	members.HandleFunc("/balance", h.BalanceHandler).Methods(http.MethodGet)
	members.HandleFunc("/usable", h.UsableHandler).Methods(http.MethodGet)
	members.HandleFunc("/history", h.HistoryHandler).Methods(http.MethodGet)
	members.HandleFunc("/schedules", h.MemberSchedulesHandler).Methods(http.MethodGet)
	members.HandleFunc("/refunds", h.MemberRefundsHandler).Methods(http.MethodGet)
	members.HandleFunc("/use", h.UseHandler).Methods(http.MethodPost)
	members.HandleFunc("/adjust", h.AdjustHandler).Methods(http.MethodPost)

	router.HandleFunc("/purchases/{purchase}/schedule", h.PurchaseScheduleHandler).Methods(http.MethodGet)
	router.HandleFunc("/purchases/{purchase}/refund", h.PurchaseRefundHandler).Methods(http.MethodGet)

	router.HandleFunc("/schedules/{id}", h.ScheduleHandler).Methods(http.MethodGet)
	router.HandleFunc("/schedules/{id}/retry", h.RetryScheduleHandler).Methods(http.MethodPost)
	router.HandleFunc("/schedules/{id}/delay", h.DelayHandler).Methods(http.MethodPost)

	router.HandleFunc("/refunds", h.CalculateHandler).Methods(http.MethodPost)
	router.HandleFunc("/refunds/{id}", h.RefundHandler).Methods(http.MethodGet)
	router.HandleFunc("/refunds/{id}/process", h.ProcessHandler).Methods(http.MethodPost)
	router.HandleFunc("/refunds/{id}/retry", h.RetryRefundHandler).Methods(http.MethodPost)
	router.HandleFunc("/refunds/{id}/cancel", h.CancelHandler).Methods(http.MethodPost)

	router.HandleFunc("/trains/arrivals", h.ArrivalHandler).Methods(http.MethodPost)
	router.HandleFunc("/statistics/earnings", h.StatisticsHandler).Methods(http.MethodGet)

	router.Use(MiddlewareLog(m, logger))
	return otelhttp.NewHandler(router, "settlement")
}

func (h *SettlementHandler) Log(msg string, handler string, err error) {
	h.logger.Error(msg,
		zap.String("handler", handler),
		zap.Error(err),
	)
}

type errorResponse struct {
	Error    string     `json:"error"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientBalance), errors.Is(err, model.ErrRefundDenied):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrIllegalTransition), errors.Is(err, model.ErrConcurrentUpdate),
		errors.Is(err, model.ErrDuplicate), errors.Is(err, lock.ErrLockBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail answers with the error's status. Denials carry the deadline so the client can
// explain them.
func (h *SettlementHandler) fail(w http.ResponseWriter, r *http.Request, handler string, err error) {
	code := statusOf(err)
	resp := errorResponse{Error: err.Error()}
	var denied *model.RefundDeniedError
	if errors.As(err, &denied) {
		resp.Deadline = &denied.Deadline
	}
	if code == http.StatusInternalServerError {
		h.Log("Request failed", handler, err)
		resp.Error = "internal error"
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("settlement.error", err.Error()))
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	j, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(j)
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return &model.ValidationError{Field: "body", Reason: err.Error()}
	}
	defer r.Body.Close()
	if err = json.Unmarshal(body, v); err != nil {
		return &model.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func memberOf(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["member"], 10, 64)
	return id
}

func idOf(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, model.ErrNotFound
	}
	return id, nil
}

// timeParam reads an RFC 3339 query value, def when absent.
func timeParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, &model.ValidationError{Field: name, Reason: "must be RFC 3339"}
	}
	return t, nil
}

type balanceResponse struct {
	MemberID       int64 `json:"memberId"`
	CurrentBalance int64 `json:"currentBalance"`
	ActiveBalance  int64 `json:"activeBalance"`
	PendingMileage int64 `json:"pendingMileage"`
}

func (h *SettlementHandler) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	member := memberOf(r)
	ctx := r.Context()
	resp := balanceResponse{MemberID: member}
	var err error
	if resp.CurrentBalance, err = h.ledger.CurrentBalance(ctx, member); err != nil {
		h.fail(w, r, "BalanceHandler", err)
		return
	}
	if resp.ActiveBalance, err = h.ledger.ActiveBalance(ctx, member); err != nil {
		h.fail(w, r, "BalanceHandler", err)
		return
	}
	if resp.PendingMileage, err = h.earning.PendingMileage(ctx, member); err != nil {
		h.fail(w, r, "BalanceHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SettlementHandler) UsableHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.UsableEntries(r.Context(), memberOf(r))
	if err != nil {
		h.fail(w, r, "UsableHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

func (h *SettlementHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	from, err := timeParam(r, "from", now.AddDate(0, -1, 0))
	if err != nil {
		h.fail(w, r, "HistoryHandler", err)
		return
	}
	to, err := timeParam(r, "to", now)
	if err != nil {
		h.fail(w, r, "HistoryHandler", err)
		return
	}
	entries, err := h.ledger.History(r.Context(), memberOf(r), from, to)
	if err != nil {
		h.fail(w, r, "HistoryHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

func (h *SettlementHandler) MemberSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.earning.ListByMember(r.Context(), memberOf(r))
	if err != nil {
		h.fail(w, r, "MemberSchedulesHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (h *SettlementHandler) MemberRefundsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := h.refund.ListByMember(r.Context(), memberOf(r))
	if err != nil {
		h.fail(w, r, "MemberRefundsHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

type useRequest struct {
	Points     int64  `json:"points"`
	PurchaseID string `json:"purchaseId"`
}

func (h *SettlementHandler) UseHandler(w http.ResponseWriter, r *http.Request) {
	var req useRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "UseHandler", err)
		return
	}
	entry, err := h.ledger.Use(r.Context(), memberOf(r), req.Points, req.PurchaseID)
	if err != nil {
		h.fail(w, r, "UseHandler", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type adjustRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *SettlementHandler) AdjustHandler(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "AdjustHandler", err)
		return
	}
	entry, err := h.ledger.Adjust(r.Context(), memberOf(r), req.Amount, req.Reason)
	if err != nil {
		h.fail(w, r, "AdjustHandler", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *SettlementHandler) PurchaseScheduleHandler(w http.ResponseWriter, r *http.Request) {
	member, err := strconv.ParseInt(r.URL.Query().Get("memberId"), 10, 64)
	if err != nil {
		h.fail(w, r, "PurchaseScheduleHandler", &model.ValidationError{Field: "memberId", Reason: "is required"})
		return
	}
	sch, err := h.earning.GetByPurchase(r.Context(), mux.Vars(r)["purchase"], member)
	if err != nil {
		h.fail(w, r, "PurchaseScheduleHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (h *SettlementHandler) PurchaseRefundHandler(w http.ResponseWriter, r *http.Request) {
	calc, err := h.refund.GetByPurchase(r.Context(), mux.Vars(r)["purchase"])
	if err != nil {
		h.fail(w, r, "PurchaseRefundHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

func (h *SettlementHandler) ScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idOf(r)
	if err == nil {
		var sch *model.EarningSchedule
		if sch, err = h.earning.Get(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, sch)
			return
		}
	}
	h.fail(w, r, "ScheduleHandler", err)
}

func (h *SettlementHandler) RetryScheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idOf(r)
	if err == nil {
		err = h.earning.RetryFailed(r.Context(), id)
	}
	if err != nil {
		h.fail(w, r, "RetryScheduleHandler", err)
		return
	}
	h.ScheduleHandler(w, r)
}

type delayRequest struct {
	DelayMinutes int `json:"delayMinutes"`
}

func (h *SettlementHandler) DelayHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idOf(r)
	if err != nil {
		h.fail(w, r, "DelayHandler", err)
		return
	}
	var req delayRequest
	if err = decode(r, &req); err != nil {
		h.fail(w, r, "DelayHandler", err)
		return
	}
	sch, err := h.earning.UpdateDelayInfo(r.Context(), id, req.DelayMinutes)
	if err != nil {
		h.fail(w, r, "DelayHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (h *SettlementHandler) CalculateHandler(w http.ResponseWriter, r *http.Request) {
	var req model.RefundRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, "CalculateHandler", err)
		return
	}
	calc, err := h.refund.Calculate(r.Context(), req)
	if err != nil {
		h.fail(w, r, "CalculateHandler", err)
		return
	}
	writeJSON(w, http.StatusCreated, calc)
}

func (h *SettlementHandler) RefundHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idOf(r)
	if err == nil {
		var calc *model.RefundCalculation
		if calc, err = h.refund.Get(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, calc)
			return
		}
	}
	h.fail(w, r, "RefundHandler", err)
}

// settle answers a processing attempt. An ambiguous gateway outcome is accepted: the
// refund is UNKNOWN and the recovery poller owns it now.
func (h *SettlementHandler) settle(w http.ResponseWriter, r *http.Request, handler string, calc *model.RefundCalculation, err error) {
	switch {
	case errors.Is(err, model.ErrGatewayAmbiguous) && calc != nil:
		writeJSON(w, http.StatusAccepted, calc)
	case err != nil:
		h.fail(w, r, handler, err)
	default:
		writeJSON(w, http.StatusOK, calc)
	}
}

func (h *SettlementHandler) ProcessHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idOf(r)
	if err != nil {
		h.fail(w, r, "ProcessHandler", err)
		return
	}
	calc, err := h.refund.Process(r.Context(), id)
	h.settle(w, r, "ProcessHandler", calc, err)
}

func (h *SettlementHandler) RetryRefundHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idOf(r)
	if err != nil {
		h.fail(w, r, "RetryRefundHandler", err)
		return
	}
	calc, err := h.refund.RetryUnknown(r.Context(), id)
	h.settle(w, r, "RetryRefundHandler", calc, err)
}

func (h *SettlementHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idOf(r)
	if err != nil {
		h.fail(w, r, "CancelHandler", err)
		return
	}
	calc, err := h.refund.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, r, "CancelHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

type arrivalResponse struct {
	EventID uuid.UUID `json:"eventId"`
}

func (h *SettlementHandler) ArrivalHandler(w http.ResponseWriter, r *http.Request) {
	var a model.TrainArrival
	if err := decode(r, &a); err != nil {
		h.fail(w, r, "ArrivalHandler", err)
		return
	}
	id, err := h.earning.RecordTrainArrival(r.Context(), a)
	if err != nil {
		h.fail(w, r, "ArrivalHandler", err)
		return
	}
	writeJSON(w, http.StatusAccepted, arrivalResponse{id})
}

type statisticsResponse struct {
	From                time.Time        `json:"from"`
	To                  time.Time        `json:"to"`
	Schedules           int64            `json:"schedules"`
	FullyCompleted      int64            `json:"fullyCompleted"`
	Failed              int64            `json:"failed"`
	Cancelled           int64            `json:"cancelled"`
	Delayed             int64            `json:"delayed"`
	BaseMileageEarned   int64            `json:"baseMileageEarned"`
	CompensationEarned  int64            `json:"compensationEarned"`
	AverageDelayMinutes float64          `json:"averageDelayMinutes"`
	CompensationByRate  map[string]int64 `json:"compensationByRate"`
}

func (h *SettlementHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	from, err := timeParam(r, "from", now.AddDate(0, 0, -1))
	if err != nil {
		h.fail(w, r, "StatisticsHandler", err)
		return
	}
	to, err := timeParam(r, "to", now)
	if err != nil {
		h.fail(w, r, "StatisticsHandler", err)
		return
	}
	st, err := h.earning.Statistics(r.Context(), from, to)
	if err != nil {
		h.fail(w, r, "StatisticsHandler", err)
		return
	}
	resp := statisticsResponse{
		From:                st.From,
		To:                  st.To,
		Schedules:           st.Schedules,
		FullyCompleted:      st.FullyCompleted,
		Failed:              st.Failed,
		Cancelled:           st.Cancelled,
		Delayed:             st.Delayed,
		BaseMileageEarned:   st.BaseMileageEarned,
		CompensationEarned:  st.CompensationEarned,
		AverageDelayMinutes: st.AverageDelayMinutes,
		CompensationByRate:  make(map[string]int64, len(st.CompensationByRate)),
	}
	for rate, points := range st.CompensationByRate {
		resp.CompensationByRate[strconv.FormatFloat(rate, 'f', -1, 64)] = points
	}
	writeJSON(w, http.StatusOK, resp)
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
