package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go-checkin-verifier/events"
	"go-checkin-verifier/logging"
	"go-checkin-verifier/models"
	"go-checkin-verifier/verifyapi"
	"go-checkin-verifier/wizard"

	"github.com/gorilla/mux"
)

const ERR_MARSHAL = "failed to marshal response message"
const ERR_DECODE_BODY = "failed to decode request body"
const ERR_RECEIPT_CREATION = "failed to create receipt"

// Captured images arrive as base64 data URLs.
const maxRequestBody = 16 << 20

type ServerConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	UseTls         bool   `json:"use_tls,omitempty" yaml:"use_tls,omitempty"`
	TlsPrivKeyPath string `json:"tls_priv_key_path,omitempty" yaml:"tls_priv_key_path,omitempty"`
	TlsCertPath    string `json:"tls_cert_path,omitempty" yaml:"tls_cert_path,omitempty"`
}

type ServerState struct {
	verifyClient  verifyapi.Client
	flowHints     FlowHintStorage
	receipts      ReceiptCreator
	publisher     events.Publisher
	optimizer     wizard.ImageOptimizer
	registry      *SessionRegistry
	consentLocale string
	documentType  string
	resumeTiming  wizard.Timing
	consentTiming wizard.ConsentTiming
}

type Server struct {
	server        *http.Server
	config        ServerConfig
	state         *ServerState
	janitorCtx    context.Context
	stopJanitor   context.CancelFunc
	evictInterval time.Duration
}

func (s *Server) ListenAndServe() error {
	go s.state.registry.Run(s.janitorCtx, s.evictInterval)

	if s.config.UseTls {
		slog.Info("Starting server with TLS", "host", s.config.Host, "port", s.config.Port, "cert", s.config.TlsCertPath, "key", s.config.TlsPrivKeyPath)
		return s.server.ListenAndServeTLS(s.config.TlsCertPath, s.config.TlsPrivKeyPath)
	} else {
		slog.Info("Starting server without TLS", "host", s.config.Host, "port", s.config.Port)
		return s.server.ListenAndServe()
	}
}

func (s *Server) Stop() error {
	slog.Info("Shutting down server")
	s.stopJanitor()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.state.registry.CloseAll()
	if err != nil {
		slog.Error("Error during server shutdown", "error", err)
	} else {
		slog.Info("Server shut down successfully")
	}
	return err
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func NewServer(state *ServerState, config ServerConfig) (*Server, error) {
	if state.verifyClient == nil {
		return nil, fmt.Errorf("no verification client configured")
	}
	if state.registry == nil {
		state.registry = NewSessionRegistry(0)
	}
	if state.flowHints == nil {
		state.flowHints = NewInMemoryFlowHintStorage()
	}
	if state.publisher == nil {
		state.publisher = events.Noop{}
	}
	if state.consentLocale == "" {
		state.consentLocale = wizard.DefaultConsentLocale
	}
	if state.resumeTiming.RetryDelays == nil {
		state.resumeTiming = wizard.DefaultResumeTiming
	}
	if state.consentTiming.RetryDelays == nil {
		state.consentTiming = wizard.DefaultConsentTiming
	}

	slog.Info("Creating new server", "host", config.Host, "port", config.Port, "tls", config.UseTls)
	router := mux.NewRouter()

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Health check request received")
		err := json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		if err != nil {
			slog.Error("failed to write body to http response", "error", err)
		}
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/wizard/{token}").Subrouter()
	api.HandleFunc("", func(w http.ResponseWriter, r *http.Request) {
		handleGetWizard(state, w, r)
	}).Methods(http.MethodGet)
	api.HandleFunc("", func(w http.ResponseWriter, r *http.Request) {
		handleCloseWizard(state, w, r)
	}).Methods(http.MethodDelete)
	api.HandleFunc("/consent", func(w http.ResponseWriter, r *http.Request) {
		handleConsent(state, w, r)
	}).Methods(http.MethodPost)
	api.HandleFunc("/intake", func(w http.ResponseWriter, r *http.Request) {
		handleIntake(state, w, r)
	}).Methods(http.MethodPost)
	api.HandleFunc("/document", func(w http.ResponseWriter, r *http.Request) {
		handleDocument(state, w, r)
	}).Methods(http.MethodPost)
	api.HandleFunc("/selfie", func(w http.ResponseWriter, r *http.Request) {
		handleSelfie(state, w, r)
	}).Methods(http.MethodPost)
	api.HandleFunc("/back", func(w http.ResponseWriter, r *http.Request) {
		handleBack(state, w, r)
	}).Methods(http.MethodPost)
	api.HandleFunc("/results", func(w http.ResponseWriter, r *http.Request) {
		handleResults(state, w, r)
	}).Methods(http.MethodGet)
	api.HandleFunc("/receipt", func(w http.ResponseWriter, r *http.Request) {
		handleReceipt(state, w, r)
	}).Methods(http.MethodGet)

	slog.Debug("Registered all API routes")

	addr := fmt.Sprintf("%v:%v", config.Host, config.Port)
	srv := &http.Server{
		Handler: router,
		Addr:    addr,
		// Uploads and retried upstream calls take a while.
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  30 * time.Second,
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())

	slog.Info("Server created successfully", "address", addr)
	return &Server{
		server:        srv,
		config:        config,
		state:         state,
		janitorCtx:    janitorCtx,
		stopJanitor:   stopJanitor,
		evictInterval: time.Minute,
	}, nil
}

type WizardResponse struct {
	wizard.View
	Redirect string `json:"redirect,omitempty"`
}

type SelfieResponse struct {
	Outcome wizard.FaceOutcome `json:"outcome"`
	wizard.View
}

type ErrorResponse struct {
	Error wizard.Notice `json:"error"`
}

type ConsentRequest struct {
	Accepted bool   `json:"accepted"`
	FlowType string `json:"flow_type"`
}

type ImageRequest struct {
	Image string `json:"image"`
}

type ReceiptResponse struct {
	Receipt string `json:"receipt"`
}

func (state *ServerState) controllerConfig() wizard.ControllerConfig {
	return wizard.ControllerConfig{
		DocumentType: state.documentType,
		Optimizer:    state.optimizer,
		Publisher:    state.publisher,
	}
}

func (state *ServerState) newConsentGate(flow models.FlowType, token string) *wizard.ConsentGate {
	return wizard.NewConsentGate(state.verifyClient, flow, token,
		wizard.WithLocale(state.consentLocale),
		wizard.WithConsentTiming(state.consentTiming),
	)
}

// lookupSession returns the live session for token, resuming it from the
// verification backend when this process does not hold it yet.
func lookupSession(ctx context.Context, state *ServerState, token, queryFlow string) (*liveSession, error) {
	if s, ok := state.registry.Get(token); ok {
		return s, nil
	}

	cached, err := state.flowHints.RetrieveFlowHint(token)
	if err != nil {
		slog.Debug("no cached flow hint", "session", logging.RedactToken(token), "error", err)
	}

	loader := wizard.NewResumeLoader(state.verifyClient, state.resumeTiming)
	res, err := loader.Load(ctx, wizard.ResumeRequest{Token: token, QueryFlow: queryFlow, CachedFlow: string(cached)})
	if err != nil {
		return nil, err
	}

	ctrl := wizard.NewControllerFromResume(state.verifyClient, res, state.controllerConfig())
	s := state.registry.GetOrPut(token, &liveSession{controller: ctrl})
	if s.controller == ctrl {
		ctrl.Resumed(ctx)
	}
	return s, nil
}

func handleGetWizard(state *ServerState, w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	queryFlow := r.URL.Query().Get("flow")

	if wizard.IsNewSession(token) {
		loader := wizard.NewResumeLoader(state.verifyClient, state.resumeTiming)
		res, err := loader.Load(r.Context(), wizard.ResumeRequest{Token: token, QueryFlow: queryFlow})
		if err != nil {
			respondWithNotice(w, err, "failed to prepare new session")
			return
		}
		ctrl := wizard.NewControllerFromResume(state.verifyClient, res, state.controllerConfig())
		_ = writeJSON(w, http.StatusOK, WizardResponse{View: ctrl.View()})
		return
	}

	s, err := lookupSession(r.Context(), state, token, queryFlow)
	if err != nil {
		respondWithNotice(w, err, "failed to resume session")
		return
	}
	_ = writeJSON(w, http.StatusOK, WizardResponse{View: s.controller.View()})
}

func handleConsent(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	token := mux.Vars(r)["token"]
	var req ConsentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if wizard.IsNewSession(token) {
		flowParam := req.FlowType
		if flowParam == "" {
			flowParam = r.URL.Query().Get("flow")
		}
		flow := models.FlowTypeOrGuest(flowParam)
		gate := state.newConsentGate(flow, "")

		res, err := gate.Confirm(r.Context(), req.Accepted)
		if err != nil {
			respondWithNotice(w, err, "consent failed")
			return
		}

		ctrl := wizard.NewController(state.verifyClient, models.VerificationData{FlowType: flow, ExpectedGuestCount: 1}, wizard.StepIntake, state.controllerConfig())
		ctrl.CompleteConsent(r.Context(), res)
		s := state.registry.GetOrPut(res.SessionToken, &liveSession{controller: ctrl, gate: gate})
		respondConsented(state, w, res.SessionToken, s)
		return
	}

	s, err := lookupSession(r.Context(), state, token, r.URL.Query().Get("flow"))
	if err != nil {
		respondWithNotice(w, err, "failed to resume session")
		return
	}

	if s.controller.View().ShowConsent {
		gate := s.consentGate(func() *wizard.ConsentGate {
			return state.newConsentGate(s.controller.Data().FlowType, token)
		})
		res, err := gate.Confirm(r.Context(), req.Accepted)
		if err != nil {
			respondWithNotice(w, err, "consent failed")
			return
		}
		s.controller.CompleteConsent(r.Context(), res)
	}
	respondConsented(state, w, token, s)
}

func respondConsented(state *ServerState, w http.ResponseWriter, token string, s *liveSession) {
	flow := s.controller.Data().FlowType
	if err := state.flowHints.StoreFlowHint(token, flow); err != nil {
		slog.Warn("failed to store flow hint", "session", logging.RedactToken(token), "error", err)
	}

	redirect := fmt.Sprintf("/verify/%s?flow=%s", url.PathEscape(token), flow)
	_ = writeJSON(w, http.StatusOK, WizardResponse{View: s.controller.View(), Redirect: redirect})
}

func handleIntake(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	var intake wizard.Intake
	if !decodeBody(w, r, &intake) {
		return
	}
	withSession(state, w, r, func(s *liveSession) (any, error) {
		if err := s.controller.SubmitIntake(r.Context(), intake); err != nil {
			return nil, err
		}
		return WizardResponse{View: s.controller.View()}, nil
	})
}

func handleDocument(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	var req ImageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	withSession(state, w, r, func(s *liveSession) (any, error) {
		if err := s.controller.UploadDocument(r.Context(), req.Image); err != nil {
			return nil, err
		}
		return WizardResponse{View: s.controller.View()}, nil
	})
}

func handleSelfie(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	var req ImageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	withSession(state, w, r, func(s *liveSession) (any, error) {
		outcome, err := s.controller.VerifyFace(r.Context(), req.Image)
		if err != nil {
			return nil, err
		}
		return SelfieResponse{Outcome: outcome, View: s.controller.View()}, nil
	})
}

func handleBack(state *ServerState, w http.ResponseWriter, r *http.Request) {
	defer closeRequestBody(r)

	withSession(state, w, r, func(s *liveSession) (any, error) {
		if err := s.controller.Back(); err != nil {
			return nil, err
		}
		return WizardResponse{View: s.controller.View()}, nil
	})
}

func handleResults(state *ServerState, w http.ResponseWriter, r *http.Request) {
	withSession(state, w, r, func(s *liveSession) (any, error) {
		return s.controller.Results()
	})
}

func handleReceipt(state *ServerState, w http.ResponseWriter, r *http.Request) {
	if state.receipts == nil {
		respondWithErr(w, http.StatusNotFound, wizard.Notice{Title: "Not available", Description: "Receipts are not enabled."}, "receipt requested but not configured", nil)
		return
	}
	withSession(state, w, r, func(s *liveSession) (any, error) {
		if s.controller.Step() != wizard.StepResults {
			return nil, wizard.ErrWrongStep
		}
		receipt, err := state.receipts.CreateReceipt(s.controller.Data())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ERR_RECEIPT_CREATION, err)
		}
		return ReceiptResponse{Receipt: receipt}, nil
	})
}

func handleCloseWizard(state *ServerState, w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	closed := state.registry.Remove(token)
	if err := state.flowHints.RemoveFlowHint(token); err != nil {
		slog.Warn("failed to remove flow hint", "session", logging.RedactToken(token), "error", err)
	}
	slog.Info("wizard closed", "session", logging.RedactToken(token), "was_live", closed)
	_ = writeJSON(w, http.StatusOK, map[string]string{"redirect": wizard.HomePath})
}

// withSession resolves the session named in the route, runs action and
// writes its result or the mapped error.
func withSession(state *ServerState, w http.ResponseWriter, r *http.Request, action func(s *liveSession) (any, error)) {
	token := mux.Vars(r)["token"]
	if wizard.IsNewSession(token) {
		respondWithNotice(w, wizard.ErrMissingToken, "action on a session without token")
		return
	}

	s, err := lookupSession(r.Context(), state, token, r.URL.Query().Get("flow"))
	if err != nil {
		respondWithNotice(w, err, "failed to resume session")
		return
	}

	result, err := action(s)
	if err != nil {
		respondWithNotice(w, err, "wizard action failed")
		return
	}
	_ = writeJSON(w, http.StatusOK, result)
}

// statusFor maps wizard and client errors onto HTTP status codes.
func statusFor(err error) int {
	var imgErr *wizard.ImageRejectedError
	switch {
	case errors.Is(err, wizard.ErrBusy), errors.Is(err, wizard.ErrWrongStep):
		return http.StatusConflict
	case errors.Is(err, wizard.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, wizard.ErrClosed):
		return http.StatusGone
	case errors.Is(err, wizard.ErrConsentRequired):
		return http.StatusForbidden
	case errors.Is(err, wizard.ErrMissingFields),
		errors.Is(err, wizard.ErrMissingToken),
		errors.Is(err, wizard.ErrConsentDeclined),
		errors.As(err, &imgErr):
		return http.StatusBadRequest
	case errors.Is(err, wizard.ErrStartMissingToken), errors.Is(err, wizard.ErrUploadRejected):
		return http.StatusUnprocessableEntity
	}

	if apiErr, ok := verifyapi.AsError(err); ok {
		if apiErr.Kind == verifyapi.KindStatus {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondWithNotice(w http.ResponseWriter, err error, logMsg string) {
	respondWithErr(w, statusFor(err), wizard.Describe(err), logMsg, err)
}

func respondWithErr(w http.ResponseWriter, code int, notice wizard.Notice, logMsg string, e error) {
	slog.Error(logMsg, "error", e, "status_code", code, "title", notice.Title)
	_ = writeJSON(w, code, ErrorResponse{Error: notice})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondWithErr(w, http.StatusBadRequest, wizard.Notice{Title: "Error", Description: "Invalid request body."}, ERR_DECODE_BODY, err)
		return false
	}
	return true
}

func closeRequestBody(r *http.Request) {
	if err := r.Body.Close(); err != nil {
		slog.Error("failed to close request body", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	slog.Debug("Writing JSON response", "status_code", status)
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error(ERR_MARSHAL, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		slog.Error("failed to write body to http response", "error", err)
	}
	return nil
}
