package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/assessor/internal/appeals"
	"github.com/pitabwire/assessor/internal/idempotency"
	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/model"
)

const createAppealOperation = "appeals.create"

// appealCreator replays create responses for repeated Idempotency-Key
// headers.
type appealCreator struct {
	appeals *appeals.Service
	idem    idempotency.Store
	ttl     time.Duration
	logger  *zap.Logger
}

func (c appealCreator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		WriteError(w, model.NewBadRequestError("unable to read request body"))
		return
	}

	var idemKey, hash string
	if key := r.Header.Get("Idempotency-Key"); key != "" && c.idem != nil {
		idemKey = idempotency.FormatKey(createAppealOperation, model.SubjectFrom(ctx)+":"+key)
		hash = idempotency.HashBody(body)

		prior, found, err := c.idem.Check(ctx, idemKey, hash)
		if err != nil {
			WriteError(w, model.AsEnvelope(err, "idempotency check failed"))
			return
		}
		if found {
			w.Header().Set("Idempotent-Replayed", "true")
			WriteJSON(w, prior.StatusCode, prior.Body)
			return
		}
	}

	var in appeals.CreateInput
	if err := unmarshalBody(body, &in); err != nil {
		WriteError(w, err)
		return
	}
	appeal, err := c.appeals.CreateAppeal(ctx, in, model.SubjectFrom(ctx))
	if err != nil {
		WriteError(w, err)
		return
	}

	if idemKey != "" {
		encoded, err := json.Marshal(appeal)
		if err == nil {
			err = c.idem.Store(ctx, idemKey, hash, idempotency.Result{
				StatusCode: http.StatusCreated,
				Body:       encoded,
			}, c.ttl)
		}
		if err != nil {
			observability.RequestLogger(ctx, c.logger).Warn("idempotency result not stored",
				zap.String("appeal_id", appeal.ID),
				zap.Error(err),
			)
		}
	}
	WriteJSON(w, http.StatusCreated, appeal)
}

func handleAppealGet(svc *appeals.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appeal, err := svc.GetAppeal(r.Context(), chi.URLParam(r, "appealId"))
		respond(w, http.StatusOK, appeal, err)
	}
}

func handleAppealList(svc *appeals.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := model.AppealFilters{
			PropertyID: q.Get("property_id"),
			UserID:     q.Get("user_id"),
			Status:     q.Get("status"),
			AppealType: q.Get("appeal_type"),
			AssignedTo: q.Get("assigned_to"),
			Limit:      queryInt(r, "limit", 50),
			Offset:     queryInt(r, "offset", 0),
		}

		list, err := svc.ListAppeals(r.Context(), filters)
		respond(w, http.StatusOK, newListResponse(list, filters.Limit, filters.Offset), err)
	}
}

func handleAppealStatus(svc *appeals.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		appeal, err := svc.UpdateAppealStatus(r.Context(), chi.URLParam(r, "appealId"),
			body.Status, model.SubjectFrom(r.Context()))
		respond(w, http.StatusOK, appeal, err)
	}
}

func handleAppealHearing(svc *appeals.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in appeals.HearingInput
		if err := decodeJSON(r, &in); err != nil {
			WriteError(w, err)
			return
		}

		appeal, err := svc.SetHearingDate(r.Context(), chi.URLParam(r, "appealId"),
			in, model.SubjectFrom(r.Context()))
		respond(w, http.StatusOK, appeal, err)
	}
}

func handleAppealDecision(svc *appeals.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in appeals.DecisionInput
		if err := decodeJSON(r, &in); err != nil {
			WriteError(w, err)
			return
		}

		appeal, err := svc.RecordDecision(r.Context(), chi.URLParam(r, "appealId"),
			in, model.SubjectFrom(r.Context()))
		respond(w, http.StatusOK, appeal, err)
	}
}

func handleAppealStatistics(svc *appeals.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.GetAppealsStatistics(r.Context())
		respond(w, http.StatusOK, stats, err)
	}
}

func handleAppealNotifyOverdue(svc *appeals.Service, defaultDays int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ThresholdDays *int `json:"threshold_days"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		days := defaultDays
		if body.ThresholdDays != nil {
			days = *body.ThresholdDays
		}

		flagged, err := svc.NotifyOverdueAppeals(r.Context(), days)
		respond(w, http.StatusOK, newListResponse(flagged, 0, 0), err)
	}
}
