package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go-monitor/internal/control"
	"go-monitor/internal/model"
	"go-monitor/internal/scheduler"

	herrors "go-monitor/internal/http/errors"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const storageOperationTimeout = 5 * time.Second

// StatsSource is implemented by *scheduler.Scheduler.
type StatsSource interface {
	Stats() scheduler.Stats
}

type opsServer struct {
	storage  model.Storage
	stats    StatsSource
	operator *control.Operator
	validate *validator.Validate
}

var (
	healthErrorHandler     = herrors.NewErrorHandler("Health")
	batchInstErrorHandler  = herrors.NewErrorHandler("GetBatchInst")
	jobInstErrorHandler    = herrors.NewErrorHandler("GetJobInst")
	jobMetricsErrorHandler = herrors.NewErrorHandler("GetJobInstMetrics")
	rerunErrorHandler      = herrors.NewErrorHandler("RerunJobInst")
	forceOkErrorHandler    = herrors.NewErrorHandler("ForceOkJobInst")
	stopErrorHandler       = herrors.NewErrorHandler("StopJobInst")
)

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, statusCode int, v any) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "error forming response data", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(js)
}

type checkInResponse struct {
	Instance string    `json:"instance"`
	Stamp    time.Time `json:"stamp"`
}

type healthResponse struct {
	Scheduler   scheduler.Stats  `json:"scheduler"`
	LastCheckIn *checkInResponse `json:"lastCheckIn,omitempty"`
}

type batchInstResponse struct {
	Id        model.BatchInstId `json:"id"`
	BatchId   model.BatchId     `json:"batchId"`
	ParentId  model.BatchInstId `json:"parentId,omitempty"`
	Status    string            `json:"status"`
	RunDate   time.Time         `json:"runDate"`
	StartDate *time.Time        `json:"startDate,omitempty"`
	EndDate   *time.Time        `json:"endDate,omitempty"`
}

type jobInstResponse struct {
	Id          model.JobInstId   `json:"id"`
	BatchInstId model.BatchInstId `json:"batchInstId"`
	JobId       model.JobId       `json:"jobId"`
	PrevJobInst model.JobInstId   `json:"prevJobInst,omitempty"`
	Status      string            `json:"status"`
	RunDate     time.Time         `json:"runDate"`
	Priority    int               `json:"priority"`
	GroupJob    string            `json:"groupJob,omitempty"`
	GroupBatch  string            `json:"groupBatch,omitempty"`
	ExtraArgs   string            `json:"extraArgs,omitempty"`
}

type jobInstMetricResponse struct {
	Id      int64     `json:"id"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Stamp   time.Time `json:"stamp"`
}

type rerunRequest struct {
	Force bool `json:"force"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=256"`
}

type stopResponse struct {
	JobInstId model.JobInstId `json:"jobInstId"`
	Reason    string          `json:"reason"`
}

func newJobInstResponse(inst model.JobInst) jobInstResponse {
	return jobInstResponse{
		Id:          inst.Id,
		BatchInstId: inst.BatchInstId,
		JobId:       inst.JobId,
		PrevJobInst: inst.PrevJobInst,
		Status:      inst.Status.String(),
		RunDate:     inst.RunDate,
		Priority:    inst.Priority,
		GroupJob:    inst.GroupJob,
		GroupBatch:  inst.GroupBatch,
		ExtraArgs:   inst.ExtraArgs,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// read runs f in a transaction that is always rolled back.
func (ops *opsServer) read(f func(ctx context.Context, tx model.Tx) error) error {
	timeoutCtx, cancel := context.WithTimeout(context.Background(), storageOperationTimeout)
	defer cancel()
	tx, err := ops.storage.Begin(timeoutCtx)
	if err != nil {
		return fmt.Errorf("failed beginning transaction: %w", err)
	}
	defer tx.Rollback()
	return f(timeoutCtx, tx)
}

// parseId writes 400 and reports false when the id path variable does not
// fit an int64.
func parseId(w http.ResponseWriter, req *http.Request, eh *herrors.ErrorHandler) (int64, bool) {
	raw := mux.Vars(req)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		eh.WriteAndLogError(
			w,
			"failed to parse id",
			err,
			http.StatusBadRequest,
			log.Fields{"id": raw},
		)
		return 0, false
	}
	return id, true
}

// decodeBody reads a JSON request body into v and validates it. It writes
// the error response and reports false on failure.
func (ops *opsServer) decodeBody(w http.ResponseWriter, req *http.Request, eh *herrors.ErrorHandler, v any) bool {
	contentType := req.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		eh.WriteAndLogError(
			w,
			"failed to parse media type",
			err, http.StatusBadRequest,
			log.Fields{"header": contentType},
		)
		return false
	}
	if mediaType != "application/json" {
		eh.WriteAndLogError(
			w,
			"expect application/json Content-Type",
			errors.New("Content-Type error"),
			http.StatusUnsupportedMediaType,
			log.Fields{"media type": mediaType},
		)
		return false
	}
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err = dec.Decode(v); err != nil {
		eh.WriteAndLogError(
			w,
			"failed to parse request body",
			err,
			http.StatusBadRequest,
			log.Fields{},
		)
		return false
	}
	if err = ops.validate.StructCtx(req.Context(), v); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			eh.WriteAndLogValidationErrors(w, validationErrors, log.Fields{"request": v})
		} else {
			eh.WriteAndLogError(w, "failed to validate request body", err, http.StatusBadRequest, log.Fields{})
		}
		return false
	}
	return true
}

// operatorStatus maps an operator error to the response status code.
func operatorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, control.ErrorNotAllowed), errors.Is(err, model.ErrorLockBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (ops *opsServer) healthHandler(w http.ResponseWriter, req *http.Request) {
	resp := healthResponse{Scheduler: ops.stats.Stats()}
	err := ops.read(func(ctx context.Context, tx model.Tx) error {
		checkIn, err := tx.LastCheckIn(ctx)
		if err != nil {
			return err
		}
		resp.LastCheckIn = &checkInResponse{checkIn.Instance, checkIn.Stamp}
		return nil
	})
	if err != nil && !errors.Is(err, model.ErrorNotFound) {
		healthErrorHandler.WriteAndLogError(
			w,
			"failed to read last check-in",
			err,
			http.StatusServiceUnavailable,
			log.Fields{},
		)
		return
	}
	writeJSON(w, resp)
}

func (ops *opsServer) getBatchInstHandler(w http.ResponseWriter, req *http.Request) {
	id, ok := parseId(w, req, batchInstErrorHandler)
	if !ok {
		return
	}
	var inst model.BatchInst
	err := ops.read(func(ctx context.Context, tx model.Tx) error {
		var err error
		inst, err = tx.GetBatchInst(ctx, model.BatchInstId(id))
		return err
	})
	if err != nil {
		statusCode := http.StatusNotFound
		if !errors.Is(err, model.ErrorNotFound) {
			statusCode = http.StatusInternalServerError
		}
		batchInstErrorHandler.WriteAndLogError(
			w,
			fmt.Sprintf("failed to get batch instance by id %d", id),
			err,
			statusCode,
			log.Fields{},
		)
		return
	}
	writeJSON(w, batchInstResponse{
		Id:        inst.Id,
		BatchId:   inst.BatchId,
		ParentId:  inst.ParentId,
		Status:    inst.Status.String(),
		RunDate:   inst.RunDate,
		StartDate: optionalTime(inst.StartDate),
		EndDate:   optionalTime(inst.EndDate),
	})
}

func (ops *opsServer) getJobInstHandler(w http.ResponseWriter, req *http.Request) {
	id, ok := parseId(w, req, jobInstErrorHandler)
	if !ok {
		return
	}
	var inst model.JobInst
	err := ops.read(func(ctx context.Context, tx model.Tx) error {
		var err error
		inst, err = tx.GetJobInst(ctx, model.JobInstId(id))
		return err
	})
	if err != nil {
		statusCode := http.StatusNotFound
		if !errors.Is(err, model.ErrorNotFound) {
			statusCode = http.StatusInternalServerError
		}
		jobInstErrorHandler.WriteAndLogError(
			w,
			fmt.Sprintf("failed to get job instance by id %d", id),
			err,
			statusCode,
			log.Fields{},
		)
		return
	}
	writeJSON(w, newJobInstResponse(inst))
}

func (ops *opsServer) getJobInstMetricsHandler(w http.ResponseWriter, req *http.Request) {
	id, ok := parseId(w, req, jobMetricsErrorHandler)
	if !ok {
		return
	}
	var metrics []model.JobInstMetric
	err := ops.read(func(ctx context.Context, tx model.Tx) error {
		if _, err := tx.GetJobInst(ctx, model.JobInstId(id)); err != nil {
			return err
		}
		var err error
		metrics, err = tx.JobInstMetrics(ctx, model.JobInstId(id))
		return err
	})
	if err != nil {
		statusCode := http.StatusNotFound
		if !errors.Is(err, model.ErrorNotFound) {
			statusCode = http.StatusInternalServerError
		}
		jobMetricsErrorHandler.WriteAndLogError(
			w,
			fmt.Sprintf("failed to get history of job instance %d", id),
			err,
			statusCode,
			log.Fields{},
		)
		return
	}
	resp := make([]jobInstMetricResponse, 0, len(metrics))
	for _, m := range metrics {
		resp = append(resp, jobInstMetricResponse{m.Id, string(m.Type), m.Message, m.Stamp})
	}
	writeJSON(w, resp)
}

func (ops *opsServer) rerunJobInstHandler(w http.ResponseWriter, req *http.Request) {
	id, ok := parseId(w, req, rerunErrorHandler)
	if !ok {
		return
	}
	var body rerunRequest
	if !ops.decodeBody(w, req, rerunErrorHandler, &body) {
		return
	}
	timeoutCtx, cancel := context.WithTimeout(context.Background(), storageOperationTimeout)
	defer cancel()
	inst, err := ops.operator.Rerun(timeoutCtx, model.JobInstId(id), body.Force)
	if err != nil {
		rerunErrorHandler.WriteAndLogError(
			w,
			fmt.Sprintf("failed to rerun job instance %d", id),
			err,
			operatorStatus(err),
			log.Fields{"force": body.Force},
		)
		return
	}
	writeJSON(w, newJobInstResponse(inst))
}

func (ops *opsServer) forceOkJobInstHandler(w http.ResponseWriter, req *http.Request) {
	id, ok := parseId(w, req, forceOkErrorHandler)
	if !ok {
		return
	}
	var body reasonRequest
	if !ops.decodeBody(w, req, forceOkErrorHandler, &body) {
		return
	}
	timeoutCtx, cancel := context.WithTimeout(context.Background(), storageOperationTimeout)
	defer cancel()
	inst, err := ops.operator.ForceOk(timeoutCtx, model.JobInstId(id), body.Reason)
	if err != nil {
		forceOkErrorHandler.WriteAndLogError(
			w,
			fmt.Sprintf("failed to force job instance %d okay", id),
			err,
			operatorStatus(err),
			log.Fields{},
		)
		return
	}
	writeJSON(w, newJobInstResponse(inst))
}

func (ops *opsServer) stopJobInstHandler(w http.ResponseWriter, req *http.Request) {
	id, ok := parseId(w, req, stopErrorHandler)
	if !ok {
		return
	}
	var body reasonRequest
	if !ops.decodeBody(w, req, stopErrorHandler, &body) {
		return
	}
	timeoutCtx, cancel := context.WithTimeout(context.Background(), storageOperationTimeout)
	defer cancel()
	if err := ops.operator.Stop(timeoutCtx, model.JobInstId(id), body.Reason); err != nil {
		stopErrorHandler.WriteAndLogError(
			w,
			fmt.Sprintf("failed to stop job instance %d", id),
			err,
			operatorStatus(err),
			log.Fields{},
		)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, stopResponse{model.JobInstId(id), body.Reason})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("%s %s", r.Method, r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

// NewOpsServer serves metrics, scheduler health, lookups of batch and job
// instances and the operator actions on job instances.
func NewOpsServer(storage model.Storage, stats StatsSource, operator *control.Operator, metrics http.Handler, addr string) *http.Server {
	server := opsServer{storage, stats, operator, validator.New()}
	server.validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		jsonName := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if jsonName == "" || jsonName == "-" {
			return field.Name
		}
		return jsonName
	})

	router := mux.NewRouter()
	router.StrictSlash(true)
	router.Handle("/metrics", metrics).Methods("GET")
	router.HandleFunc("/api/v1/health/", server.healthHandler).Methods("GET")
	router.HandleFunc("/api/v1/batchinst/{id:[0-9]+}/", server.getBatchInstHandler).Methods("GET")
	router.HandleFunc("/api/v1/jobinst/{id:[0-9]+}/", server.getJobInstHandler).Methods("GET")
	router.HandleFunc("/api/v1/jobinst/{id:[0-9]+}/metrics/", server.getJobInstMetricsHandler).Methods("GET")
	router.HandleFunc("/api/v1/jobinst/{id:[0-9]+}/rerun/", server.rerunJobInstHandler).Methods("POST")
	router.HandleFunc("/api/v1/jobinst/{id:[0-9]+}/forceok/", server.forceOkJobInstHandler).Methods("POST")
	router.HandleFunc("/api/v1/jobinst/{id:[0-9]+}/stop/", server.stopJobInstHandler).Methods("POST")
	router.Use(loggingMiddleware)
	return &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
}
