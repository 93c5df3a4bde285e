package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go-checkin-verifier/logging"
	"go-checkin-verifier/models"
	"go-checkin-verifier/verifyapi"

	"golang.org/x/text/language"
)

const DefaultConsentLocale = "en-th"

// consentTimeLayout matches the millisecond ISO-8601 timestamps the backend stores.
const consentTimeLayout = "2006-01-02T15:04:05.000Z07:00"

type ConsentState int

const (
	ConsentAwaitingCheckbox ConsentState = iota
	ConsentSubmitting
	ConsentDone
	// ConsentFailed is recoverable: Confirm may be called again.
	ConsentFailed
)

func (s ConsentState) String() string {
	switch s {
	case ConsentAwaitingCheckbox:
		return "awaiting-checkbox"
	case ConsentSubmitting:
		return "submitting"
	case ConsentDone:
		return "done"
	case ConsentFailed:
		return "error"
	default:
		return "unknown"
	}
}

type ConsentTiming struct {
	RetryDelays []time.Duration
	// SettleDelay is waited after consent before the token is handed out.
	SettleDelay time.Duration
}

var DefaultConsentTiming = ConsentTiming{
	RetryDelays: []time.Duration{time.Second, 3 * time.Second, 5 * time.Second},
	SettleDelay: 500 * time.Millisecond,
}

// CanonicalLocale validates a BCP 47 tag and returns it in the lowercase
// form stored with the consent record.
func CanonicalLocale(tag string) (string, error) {
	t, err := language.Parse(tag)
	if err != nil {
		return "", fmt.Errorf("invalid consent locale %q: %w", tag, err)
	}
	return strings.ToLower(t.String()), nil
}

type ConsentResult struct {
	SessionToken string
	FlowType     models.FlowType
	ConsentTime  string
	// Logged is false when log_consent failed and was handed to the background retry.
	Logged bool
}

type ConsentGate struct {
	client        verifyapi.Client
	flow          models.FlowType
	existingToken string
	locale        string
	timing        ConsentTiming
	now           func() time.Time

	mu     sync.Mutex
	state  ConsentState
	err    error
	result *ConsentResult
	retry  *BackgroundTask
}

type ConsentOption func(*ConsentGate)

// WithLocale sets an already canonical locale tag.
func WithLocale(locale string) ConsentOption {
	return func(g *ConsentGate) { g.locale = locale }
}

func WithConsentTiming(t ConsentTiming) ConsentOption {
	return func(g *ConsentGate) { g.timing = t }
}

func WithConsentClock(now func() time.Time) ConsentOption {
	return func(g *ConsentGate) { g.now = now }
}

// NewConsentGate prepares consent for flow. existingToken is reused instead
// of starting a new session unless it is empty or "new".
func NewConsentGate(client verifyapi.Client, flow models.FlowType, existingToken string, opts ...ConsentOption) *ConsentGate {
	g := &ConsentGate{
		client: client,
		flow:   flow,
		locale: DefaultConsentLocale,
		timing: DefaultConsentTiming,
		now:    time.Now,
	}
	if !IsNewSession(existingToken) {
		g.existingToken = existingToken
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *ConsentGate) State() ConsentState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Err is the last failure, if the gate is not done.
func (g *ConsentGate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Confirm runs the consent flow. Only a failure to obtain a session token
// is fatal; consent logging failures are retried in the background.
func (g *ConsentGate) Confirm(ctx context.Context, checked bool) (*ConsentResult, error) {
	if !checked {
		return nil, ErrConsentDeclined
	}

	g.mu.Lock()
	switch g.state {
	case ConsentSubmitting:
		g.mu.Unlock()
		return nil, ErrBusy
	case ConsentDone:
		res := *g.result
		g.mu.Unlock()
		return &res, nil
	}
	g.state = ConsentSubmitting
	g.err = nil
	g.mu.Unlock()

	token, err := g.sessionToken(ctx)
	if err != nil {
		g.mu.Lock()
		g.err = err
		if errors.Is(err, ErrStartMissingToken) {
			g.state = ConsentAwaitingCheckbox
		} else {
			g.state = ConsentFailed
		}
		g.mu.Unlock()
		return nil, err
	}

	log := logging.ForSession(token)
	consentTime := g.now().UTC().Format(consentTimeLayout)
	logConsent := func(ctx context.Context) error {
		resp, err := verifyapi.LogConsent(ctx, g.client, verifyapi.LogConsentRequest{
			SessionToken:  token,
			ConsentGiven:  true,
			ConsentTime:   consentTime,
			ConsentLocale: g.locale,
		})
		if err != nil {
			return err
		}
		if resp.Success != nil && !*resp.Success {
			return fmt.Errorf("log_consent rejected: %s", resp.ServerMessage())
		}
		return nil
	}

	result := &ConsentResult{SessionToken: token, FlowType: g.flow, ConsentTime: consentTime, Logged: true}
	if err := logConsent(ctx); err != nil {
		log.Warn("consent logging failed, retrying in background", "error", err)
		result.Logged = false
		g.mu.Lock()
		g.retry = StartBackgroundTask(ctx, "log_consent", g.timing.RetryDelays, logConsent)
		g.mu.Unlock()
	}

	if err := sleep(ctx, g.timing.SettleDelay); err != nil {
		log.Debug("settle delay interrupted", "error", err)
	}

	g.mu.Lock()
	g.state = ConsentDone
	g.result = result
	g.mu.Unlock()

	log.Info("consent given", "flow_type", g.flow, "logged", result.Logged)
	res := *result
	return &res, nil
}

func (g *ConsentGate) sessionToken(ctx context.Context) (string, error) {
	if g.existingToken != "" {
		slog.Debug("reusing existing session for consent", "session", logging.RedactToken(g.existingToken))
		return g.existingToken, nil
	}

	resp, err := verifyapi.StartSession(ctx, g.client, verifyapi.StartRequest{FlowType: g.flow})
	if err != nil {
		return "", &ActionError{Op: "create session", Err: err}
	}
	if resp.SessionToken == "" {
		return "", ErrStartMissingToken
	}
	return resp.SessionToken, nil
}

// Abort stops any pending background consent logging.
func (g *ConsentGate) Abort() {
	g.mu.Lock()
	retry := g.retry
	g.mu.Unlock()
	if retry != nil {
		retry.Abort()
	}
}

// Background returns the pending consent logging retry, or nil.
func (g *ConsentGate) Background() *BackgroundTask {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retry
}
