package cmdreceiver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"mcctl/internal/apierr"
	"mcctl/internal/log"
	"mcctl/internal/metrics"
	"mcctl/internal/whitelist"
	"mcctl/internal/worker"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	maxBodyBytes    = 1 << 20
	requestIDHeader = "X-Request-ID"
	adminUserHeader = "X-Admin-User"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type WhitelistService interface {
	List(ctx context.Context) ([]whitelist.Entry, error)
	Add(ctx context.Context, username, addedBy string) (whitelist.Change, error)
	Remove(ctx context.Context, username string) (whitelist.Change, error)
}

type Options struct {
	AdminToken    string
	WebhookSecret string
	Metrics       *metrics.Recorder
}

type HandlerI struct {
	worker    worker.Worker
	whitelist WhitelistService
	opts      Options
	logger    interface {
		Infof(string, ...any)
		Warnf(string, ...any)
		Errorf(string, ...any)
	}
}

func NewHandlerI(w worker.Worker, wl WhitelistService, opts Options) *HandlerI {
	return &HandlerI{
		worker:    w,
		whitelist: wl,
		opts:      opts,
		logger:    log.Component("cmdreceiver"),
	}
}

type authMode int

const (
	authNone authMode = iota
	authAdmin
	authWebhook
)

// handlerFunc returns the success status and body, or an error rendered
// through the apierr taxonomy.
type handlerFunc func(r *http.Request) (int, any, error)

func (h *HandlerI) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.wrap("/health", authNone, h.handleHealth, http.MethodGet))
	mux.Handle("/metrics", h.opts.Metrics.Handler())
	mux.HandleFunc("/api/mc/status/public", h.wrap("/api/mc/status/public", authNone, h.handlePublicStatus, http.MethodGet))

	mux.HandleFunc("/api/mc/start", h.wrap("/api/mc/start", authAdmin, h.handleStart, http.MethodPost))
	mux.HandleFunc("/api/mc/stop", h.wrap("/api/mc/stop", authAdmin, h.handleStop, http.MethodPost))
	mux.HandleFunc("/api/mc/status", h.wrap("/api/mc/status", authAdmin, h.handleStatus, http.MethodGet))
	mux.HandleFunc("/api/mc/command", h.wrap("/api/mc/command", authAdmin, h.handleCommand, http.MethodPost))
	mux.HandleFunc("/api/mc/sync", h.wrap("/api/mc/sync", authAdmin, h.handleSync, http.MethodPost))
	mux.HandleFunc("/api/mc/history", h.wrap("/api/mc/history", authAdmin, h.handleHistory, http.MethodGet))
	mux.HandleFunc("/api/mc/whitelist", h.wrap("/api/mc/whitelist", authAdmin, h.handleWhitelist, http.MethodGet, http.MethodPost))

	mux.HandleFunc("/api/mc/webhook/ready", h.wrap("/api/mc/webhook/ready", authWebhook, h.handleReady, http.MethodPost))
	mux.HandleFunc("/api/mc/webhook/heartbeat", h.wrap("/api/mc/webhook/heartbeat", authWebhook, h.handleHeartbeat, http.MethodPost))
	mux.HandleFunc("/api/mc/webhook/state-change", h.wrap("/api/mc/webhook/state-change", authWebhook, h.handleStateChange, http.MethodPost))
	mux.HandleFunc("/api/mc/webhook/backup-complete", h.wrap("/api/mc/webhook/backup-complete", authWebhook, h.handleBackupComplete, http.MethodPost))

	mux.HandleFunc("/", h.wrap("not_found", authNone, func(r *http.Request) (int, any, error) {
		return 0, nil, apierr.NotFound("not_found", fmt.Sprintf("No route for %s", r.URL.Path))
	}))
}

// wrap applies request ids, method and auth checks, panic recovery and
// metrics around fn. No methods means any method is accepted.
func (h *HandlerI) wrap(route string, mode authMode, fn handlerFunc, methods ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		reqID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		status, body, err := h.serve(r, mode, fn, methods)
		if err != nil {
			e := apierr.From(err)
			status, body = e.Status, e.Body()
			if e.Kind == apierr.KindInternal || e.Kind == apierr.KindUpstream {
				h.logger.Errorf("request=%s %s %s failed: %v", reqID, r.Method, r.URL.Path, err)
			}
		}
		writeJSON(w, status, body)
		h.opts.Metrics.ObserveRequest(route, status, time.Since(started))
		h.logger.Infof("request=%s %s %s status=%d elapsed=%s", reqID, r.Method, r.URL.Path, status, time.Since(started).Round(time.Millisecond))
	}
}

func (h *HandlerI) serve(r *http.Request, mode authMode, fn handlerFunc, methods []string) (status int, body any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			status, body, err = 0, nil, apierr.Internal(fmt.Errorf("panic: %v", rec))
		}
	}()
	if len(methods) > 0 && !contains(methods, r.Method) {
		return 0, nil, methodNotAllowed(r.Method)
	}
	if err := h.authorize(r, mode); err != nil {
		return 0, nil, err
	}
	return fn(r)
}

func (h *HandlerI) authorize(r *http.Request, mode authMode) error {
	var want string
	switch mode {
	case authNone:
		return nil
	case authAdmin:
		want = h.opts.AdminToken
	case authWebhook:
		want = h.opts.WebhookSecret
	}
	if want == "" {
		return apierr.NotConfigured("auth_not_configured", "Authentication secret is not configured")
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return apierr.Unauthorized("Missing authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return apierr.Unauthorized("Authorization header must use the Bearer scheme")
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(want)) != 1 {
		return apierr.Unauthorized("Invalid token")
	}
	return nil
}

func (h *HandlerI) handleHealth(r *http.Request) (int, any, error) {
	return http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()}, nil
}

func (h *HandlerI) handlePublicStatus(r *http.Request) (int, any, error) {
	return http.StatusOK, h.worker.PublicStatus(r.Context()), nil
}

type startRequest struct {
	Region string `json:"region" validate:"required"`
}

func (h *HandlerI) handleStart(r *http.Request) (int, any, error) {
	var req startRequest
	if err := decodeBody(r, &req, false); err != nil {
		return 0, nil, err
	}
	res, err := h.worker.Start(r.Context(), req.Region)
	return http.StatusOK, res, err
}

type stopRequest struct {
	Force bool `json:"force"`
}

func (h *HandlerI) handleStop(r *http.Request) (int, any, error) {
	var req stopRequest
	if err := decodeBody(r, &req, true); err != nil {
		return 0, nil, err
	}
	res, err := h.worker.Stop(r.Context(), req.Force)
	return http.StatusOK, res, err
}

func (h *HandlerI) handleStatus(r *http.Request) (int, any, error) {
	res, err := h.worker.Status(r.Context())
	return http.StatusOK, res, err
}

type commandRequest struct {
	Command string `json:"command" validate:"required,max=1000"`
}

func (h *HandlerI) handleCommand(r *http.Request) (int, any, error) {
	var req commandRequest
	if err := decodeBody(r, &req, false); err != nil {
		return 0, nil, err
	}
	res, err := h.worker.SendCommand(r.Context(), req.Command)
	return http.StatusOK, res, err
}

func (h *HandlerI) handleSync(r *http.Request) (int, any, error) {
	res, err := h.worker.TriggerBackup(r.Context())
	return http.StatusOK, res, err
}

func (h *HandlerI) handleHistory(r *http.Request) (int, any, error) {
	q := r.URL.Query()
	res, err := h.worker.History(r.Context(), worker.HistoryQuery{
		Limit:  queryInt(q.Get("limit"), worker.DefaultHistoryLimit),
		Offset: queryInt(q.Get("offset"), 0),
		Months: queryInt(q.Get("months"), worker.DefaultHistoryMonths),
	})
	return http.StatusOK, res, err
}

type whitelistRequest struct {
	Action   string `json:"action" validate:"required,oneof=add remove"`
	Username string `json:"username" validate:"required"`
}

func (h *HandlerI) handleWhitelist(r *http.Request) (int, any, error) {
	if r.Method == http.MethodGet {
		entries, err := h.whitelist.List(r.Context())
		return http.StatusOK, map[string]any{"whitelist": entries}, err
	}
	var req whitelistRequest
	if err := decodeBody(r, &req, false); err != nil {
		return 0, nil, err
	}
	if req.Action == "add" {
		addedBy := strings.TrimSpace(r.Header.Get(adminUserHeader))
		if addedBy == "" {
			addedBy = "admin"
		}
		res, err := h.whitelist.Add(r.Context(), req.Username, addedBy)
		return http.StatusOK, res, err
	}
	res, err := h.whitelist.Remove(r.Context(), req.Username)
	return http.StatusOK, res, err
}

type readyRequest struct {
	ServerID string `json:"serverId" validate:"required"`
	IP       string `json:"ip" validate:"required,ip"`
	Region   string `json:"region"`
}

func (h *HandlerI) handleReady(r *http.Request) (int, any, error) {
	var req readyRequest
	if err := decodeBody(r, &req, false); err != nil {
		return 0, nil, err
	}
	return h.dispatch(r, worker.ReadyEvent{ServerID: req.ServerID, IP: req.IP, Region: req.Region})
}

type heartbeatRequest struct {
	State          *string    `json:"state"`
	Players        *int       `json:"players" validate:"omitnil,min=0"`
	IdleSeconds    *int       `json:"idleSeconds" validate:"omitnil,min=0"`
	LastBackup     *time.Time `json:"lastBackup"`
	WorldSizeBytes *int64     `json:"worldSizeBytes" validate:"omitnil,min=0"`
}

func (h *HandlerI) handleHeartbeat(r *http.Request) (int, any, error) {
	var req heartbeatRequest
	if err := decodeBody(r, &req, true); err != nil {
		return 0, nil, err
	}
	ev := worker.HeartbeatEvent{
		Players:        req.Players,
		IdleSeconds:    req.IdleSeconds,
		LastBackup:     req.LastBackup,
		WorldSizeBytes: req.WorldSizeBytes,
	}
	if req.State != nil {
		st, err := worker.ParseState(*req.State)
		if err != nil {
			return 0, nil, err
		}
		ev.State = &st
	}
	return h.dispatch(r, ev)
}

type stateChangeRequest struct {
	State     string     `json:"state" validate:"required"`
	Timestamp *time.Time `json:"timestamp"`
}

func (h *HandlerI) handleStateChange(r *http.Request) (int, any, error) {
	var req stateChangeRequest
	if err := decodeBody(r, &req, false); err != nil {
		return 0, nil, err
	}
	st, err := worker.ParseState(req.State)
	if err != nil {
		return 0, nil, err
	}
	ev := worker.StateChangeEvent{State: st}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}
	return h.dispatch(r, ev)
}

type backupCompleteRequest struct {
	Timestamp *time.Time `json:"timestamp"`
	SizeBytes *int64     `json:"sizeBytes" validate:"omitnil,min=0"`
}

func (h *HandlerI) handleBackupComplete(r *http.Request) (int, any, error) {
	var req backupCompleteRequest
	if err := decodeBody(r, &req, true); err != nil {
		return 0, nil, err
	}
	ev := worker.BackupCompleteEvent{SizeBytes: req.SizeBytes}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}
	return h.dispatch(r, ev)
}

func (h *HandlerI) dispatch(r *http.Request, ev worker.Event) (int, any, error) {
	ack, err := h.worker.HandleEvent(r.Context(), ev)
	return http.StatusOK, ack, err
}

// decodeBody reads a JSON body into dst and validates it. allowEmpty
// accepts a missing body as the zero value.
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if !(errors.Is(err, io.EOF) && allowEmpty) {
			return apierr.Validation("invalid_json", "Request body must be valid JSON")
		}
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apierr.Validation("invalid_request", err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return apierr.Validation("invalid_request", strings.Join(msgs, "; ")).With("fields", fieldNames(verrs))
}

func fieldNames(verrs validator.ValidationErrors) []string {
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fe.Field())
	}
	return out
}

func methodNotAllowed(method string) *apierr.Error {
	e := apierr.Validation("method_not_allowed", fmt.Sprintf("Method %s not allowed", method))
	e.Status = http.StatusMethodNotAllowed
	return e
}

func queryInt(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
