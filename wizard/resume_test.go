package wizard

import (
	"context"
	"errors"
	"testing"

	"go-checkin-verifier/models"
	"go-checkin-verifier/verifyapi"

	"github.com/stretchr/testify/require"
)

func sessionResponse(s verifyapi.Session) *verifyapi.Response {
	return &verifyapi.Response{Success: models.Bool(true), Session: &s}
}

func TestLoadNewSession(t *testing.T) {
	client := newFakeClient(func(verifyapi.Request, int) (*verifyapi.Response, error) {
		t.Fatal("no call expected for a new session")
		return nil, nil
	})
	loader := NewResumeLoader(client, fastResume)

	for _, token := range []string{"", "new"} {
		res, err := loader.Load(context.Background(), ResumeRequest{Token: token, QueryFlow: "visitor"})
		require.NoError(t, err)
		require.True(t, res.Fresh)
		require.True(t, res.ShowConsent())
		require.Equal(t, StepIntake, res.Step)
		require.Equal(t, models.FlowVisitor, res.Data.FlowType)
		require.Equal(t, 1, res.Data.ExpectedGuestCount)
	}

	res, err := loader.Load(context.Background(), ResumeRequest{Token: "new", QueryFlow: "bogus"})
	require.NoError(t, err)
	require.Equal(t, models.FlowGuest, res.Data.FlowType)
}

func TestLoadRetriesUntilSessionAppears(t *testing.T) {
	client := newFakeClient(func(req verifyapi.Request, n int) (*verifyapi.Response, error) {
		if n <= 2 {
			return nil, &verifyapi.Error{Kind: verifyapi.KindStatus, Action: verifyapi.ActionGetSession, StatusCode: 404, Message: "Session not found"}
		}
		return sessionResponse(verifyapi.Session{
			SessionToken: "abc123",
			CurrentStep:  "selfie",
			ConsentGiven: models.Bool(true),
			GuestName:    "Jane Doe",
			RoomNumber:   "101",
		}), nil
	})

	res, err := NewResumeLoader(client, fastResume).Load(context.Background(), ResumeRequest{Token: "abc123"})
	require.NoError(t, err)
	require.Equal(t, 3, client.count(verifyapi.ActionGetSession))
	require.Equal(t, StepFaceVerify, res.Step)
	require.False(t, res.ShowConsent())
	require.Equal(t, "Jane Doe", res.Data.GuestName)
}

func TestLoadGivesUpAfterRetrySchedule(t *testing.T) {
	client := newFakeClient(func(verifyapi.Request, int) (*verifyapi.Response, error) {
		return nil, &verifyapi.Error{Kind: verifyapi.KindTransport, Action: verifyapi.ActionGetSession, Err: errors.New("connection refused")}
	})

	res, err := NewResumeLoader(client, fastResume).Load(context.Background(), ResumeRequest{Token: "abc123"})
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.Equal(t, 4, client.count(verifyapi.ActionGetSession))
	require.Equal(t, "Session not found", Describe(err).Title)
}

func TestLoadTreatsMissingSessionAsFailure(t *testing.T) {
	client := newFakeClient(func(_ verifyapi.Request, n int) (*verifyapi.Response, error) {
		switch n {
		case 1:
			return ok(), nil
		case 2:
			return &verifyapi.Response{Success: models.Bool(false), ErrorMessage: "not ready"}, nil
		}
		return sessionResponse(verifyapi.Session{CurrentStep: "document", ConsentGiven: models.Bool(true)}), nil
	})

	res, err := NewResumeLoader(client, fastResume).Load(context.Background(), ResumeRequest{Token: "abc123"})
	require.NoError(t, err)
	require.Equal(t, StepDocument, res.Step)
	require.Equal(t, "abc123", res.Data.SessionToken)
}

func TestLoadStopsWhenContextCancelled(t *testing.T) {
	client := newFakeClient(func(verifyapi.Request, int) (*verifyapi.Response, error) {
		return nil, errors.New("down")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewResumeLoader(client, DefaultResumeTiming).Load(ctx, ResumeRequest{Token: "abc123"})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, client.count(verifyapi.ActionGetSession))
}

func TestResolveFlowType(t *testing.T) {
	tests := []struct {
		name                  string
		server, query, cached string
		want                  models.FlowType
	}{
		{"server wins", "guest", "visitor", "visitor", models.FlowGuest},
		{"query before cache", "", "visitor", "guest", models.FlowVisitor},
		{"cache last", "", "", "visitor", models.FlowVisitor},
		{"unknown values skipped", "staff", "nope", "visitor", models.FlowVisitor},
		{"default guest", "", "", "", models.FlowGuest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ResolveFlowType(tt.server, tt.query, tt.cached))
		})
	}
}

func TestReconstructNeverSkipsConsent(t *testing.T) {
	for _, consent := range []*bool{nil, models.Bool(false)} {
		res := Reconstruct("abc", &verifyapi.Session{CurrentStep: "selfie", ConsentGiven: consent}, "", "")
		require.Equal(t, StepIntake, res.Step)
		require.True(t, res.ShowConsent())
	}
}

func TestReconstructHoldsResultsWhileGuestsOutstanding(t *testing.T) {
	res := Reconstruct("abc", &verifyapi.Session{
		CurrentStep:        "results",
		ConsentGiven:       models.Bool(true),
		ExpectedGuestCount: intPtr(3),
		VerifiedGuestCount: intPtr(1),
		GuestIndex:         intPtr(1),
	}, "", "")

	require.Equal(t, StepDocument, res.Step)
	require.True(t, res.Data.RequiresAdditionalGuest)
	require.Equal(t, 1, res.Data.GuestIndex)
}

func TestReconstructKeepsFinishedVisitorOnResults(t *testing.T) {
	res := Reconstruct("tok", &verifyapi.Session{
		CurrentStep:  "results",
		FlowType:     "visitor",
		ConsentGiven: models.Bool(true),
		Access:       verifyapi.VisitorAccess{Code: "837261"},
	}, "", "")

	require.Equal(t, StepResults, res.Step)
	require.False(t, res.Data.RequiresAdditionalGuest)
	require.Equal(t, "837261", res.Data.VisitorAccessCode)

	ctrl := NewControllerFromResume(newFakeClient(nil), &res, ControllerConfig{})
	results, err := ctrl.Results()
	require.NoError(t, err)
	require.Equal(t, "837261", results.AccessCode)
}

func TestReconstructCopiesVisitorAndRoomFields(t *testing.T) {
	res := Reconstruct("abc", &verifyapi.Session{
		SessionToken: "server-token",
		CurrentStep:  "results",
		FlowType:     "visitor",
		ConsentGiven: models.Bool(true),
		Visitor:      verifyapi.VisitorIdentity{FirstName: "Ann", LastName: "Lee", Phone: "+66123", Reason: "Meeting"},
		Access:       verifyapi.VisitorAccess{Code: "837261", GrantedAt: "2025-03-01T10:00:00Z", ExpiresAt: "2025-03-01T18:00:00Z"},
		Room:         verifyapi.RoomAssignment{PhysicalRoom: "12B", AccessCode: "4455"},
		DoorKey:      "dk-1",
	}, "guest", "")

	require.Equal(t, "server-token", res.Data.SessionToken)
	require.Equal(t, models.FlowVisitor, res.Data.FlowType)
	require.Equal(t, StepResults, res.Step)
	require.Equal(t, "Ann", res.Data.VisitorFirstName)
	require.Equal(t, "837261", res.Data.VisitorAccessCode)
	require.Equal(t, "2025-03-01T18:00:00Z", res.Data.VisitorAccessExpiresAt)
	require.Equal(t, "12B", res.Data.PhysicalRoom)
	require.Equal(t, "4455", res.Data.RoomAccessCode)
	require.Equal(t, "dk-1", res.Data.DoorKey)
	require.Equal(t, 1, res.Data.ExpectedGuestCount)
}

func TestLoadTwiceIsIdempotent(t *testing.T) {
	session := verifyapi.Session{
		CurrentStep:        "document",
		ConsentGiven:       models.Bool(true),
		ConsentTime:        "2025-03-01T10:00:00.000Z",
		GuestName:          "Jane Doe",
		RoomNumber:         "101",
		ExpectedGuestCount: intPtr(2),
		VerifiedGuestCount: intPtr(1),
		GuestIndex:         intPtr(1),
		VerificationScore:  models.Float(0.91),
	}
	client := newFakeClient(func(verifyapi.Request, int) (*verifyapi.Response, error) {
		return sessionResponse(session), nil
	})
	loader := NewResumeLoader(client, fastResume)
	req := ResumeRequest{Token: "abc123", QueryFlow: "guest"}

	first, err := loader.Load(context.Background(), req)
	require.NoError(t, err)
	second, err := loader.Load(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
