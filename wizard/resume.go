package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-checkin-verifier/logging"
	"go-checkin-verifier/models"
	"go-checkin-verifier/verifyapi"
)

// NewSessionToken is the entry-URL placeholder for "no session yet".
const NewSessionToken = "new"

type Timing struct {
	// InitialDelay covers the lag between session creation and the
	// session becoming readable.
	InitialDelay time.Duration
	RetryDelays  []time.Duration
}

var DefaultResumeTiming = Timing{
	InitialDelay: 300 * time.Millisecond,
	RetryDelays:  []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 3 * time.Second},
}

type ResumeRequest struct {
	Token string
	// QueryFlow is the ?flow= parameter of the entry URL.
	QueryFlow string
	// CachedFlow is the flow hint stored for Token after consent, if any.
	CachedFlow string
}

type ResumeResult struct {
	Data models.VerificationData
	Step Step
	// Fresh is set when there was no session to resume.
	Fresh bool
}

// ShowConsent reports whether the consent gate has to be passed first.
func (r *ResumeResult) ShowConsent() bool {
	return !r.Data.Consented()
}

type ResumeLoader struct {
	client verifyapi.Client
	timing Timing
}

func NewResumeLoader(client verifyapi.Client, timing Timing) *ResumeLoader {
	return &ResumeLoader{client: client, timing: timing}
}

func IsNewSession(token string) bool {
	return token == "" || token == NewSessionToken
}

// Load returns a fresh consent-pending state for a new session, or the
// reconstructed state of an existing one. A session that could not be
// fetched within the retry schedule yields ErrSessionNotFound.
func (l *ResumeLoader) Load(ctx context.Context, req ResumeRequest) (*ResumeResult, error) {
	if IsNewSession(req.Token) {
		flow := models.FlowTypeOrGuest(req.QueryFlow)
		slog.Debug("new session entry", "flow_type", flow)
		return &ResumeResult{
			Data: models.VerificationData{
				FlowType:           flow,
				ExpectedGuestCount: 1,
			},
			Step:  StepIntake,
			Fresh: true,
		}, nil
	}

	session, err := l.fetch(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	result := Reconstruct(req.Token, session, req.QueryFlow, req.CachedFlow)
	return &result, nil
}

func (l *ResumeLoader) fetch(ctx context.Context, token string) (*verifyapi.Session, error) {
	log := logging.ForSession(token)

	if err := sleep(ctx, l.timing.InitialDelay); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		session, err := getSession(ctx, l.client, token)
		if err == nil {
			log.Debug("get_session succeeded", "attempt", attempt+1)
			return session, nil
		}
		lastErr = err
		log.Warn("get_session failed", "attempt", attempt+1, "error", err)

		if attempt >= len(l.timing.RetryDelays) {
			break
		}
		if err := sleep(ctx, l.timing.RetryDelays[attempt]); err != nil {
			return nil, err
		}
	}

	log.Error("all get_session retries failed", "attempts", len(l.timing.RetryDelays)+1)
	return nil, fmt.Errorf("%w: %w", ErrSessionNotFound, lastErr)
}

func getSession(ctx context.Context, client verifyapi.Client, token string) (*verifyapi.Session, error) {
	resp, err := verifyapi.GetSession(ctx, client, token)
	if err != nil {
		return nil, err
	}
	if resp.Success != nil && !*resp.Success {
		if msg := resp.ServerMessage(); msg != "" {
			return nil, errors.New(msg)
		}
		return nil, errors.New("get_session reported failure")
	}
	if resp.Session == nil {
		return nil, errors.New("get_session response carried no session")
	}
	return resp.Session, nil
}

// ResolveFlowType applies server > query parameter > cached hint > guest.
func ResolveFlowType(server, query, cached string) models.FlowType {
	for _, candidate := range []string{server, query, cached} {
		if f, ok := models.ParseFlowType(candidate); ok {
			return f
		}
	}
	return models.FlowGuest
}

// Reconstruct projects a server session onto local wizard state. It is
// pure: the same session always yields the same result.
func Reconstruct(token string, s *verifyapi.Session, queryFlow, cachedFlow string) ResumeResult {
	data := models.VerificationData{
		SessionToken:  s.SessionToken,
		FlowType:      ResolveFlowType(s.FlowType, queryFlow, cachedFlow),
		ConsentGiven:  s.ConsentGiven,
		ConsentTime:   s.ConsentTime,
		ConsentLocale: s.ConsentLocale,

		GuestName:        s.GuestName,
		RoomNumber:       s.RoomNumber,
		VisitorFirstName: s.Visitor.FirstName,
		VisitorLastName:  s.Visitor.LastName,
		VisitorPhone:     s.Visitor.Phone,
		VisitorReason:    s.Visitor.Reason,

		DocumentUploaded: s.DocumentUploaded,
		SelfieUploaded:   s.SelfieUploaded,

		IsVerified:        s.IsVerified,
		VerificationScore: s.VerificationScore,
		LivenessScore:     s.LivenessScore,
		FaceMatchScore:    s.FaceMatchScore,

		ExpectedGuestCount: 1,

		VisitorAccessCode:      s.Access.Code,
		VisitorAccessGrantedAt: s.Access.GrantedAt,
		VisitorAccessExpiresAt: s.Access.ExpiresAt,
		PhysicalRoom:           s.Room.PhysicalRoom,
		RoomAccessCode:         s.Room.AccessCode,
		PropertyExternalID:     s.PropertyExternalID,
		DoorKey:                s.DoorKey,
	}
	if data.SessionToken == "" {
		data.SessionToken = token
	}
	if s.ExpectedGuestCount != nil && *s.ExpectedGuestCount >= 1 {
		data.ExpectedGuestCount = *s.ExpectedGuestCount
	}
	if s.VerifiedGuestCount != nil && *s.VerifiedGuestCount > 0 {
		data.VerifiedGuestCount = *s.VerifiedGuestCount
	}
	if s.GuestIndex != nil && *s.GuestIndex > 0 {
		data.GuestIndex = *s.GuestIndex
	}
	// Visitors never run face verification, so guest counters do not apply.
	visitor := data.FlowType.IsVisitor()
	data.RequiresAdditionalGuest = !visitor && data.OutstandingGuests()

	step := StepFromBackend(s.CurrentStep)
	switch {
	case !data.Consented():
		// Reloading must never skip the consent gate.
		step = StepIntake
	case step == StepResults && data.RequiresAdditionalGuest:
		step = StepDocument
	}

	return ResumeResult{Data: data, Step: step}
}
