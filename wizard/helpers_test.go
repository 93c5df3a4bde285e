package wizard

import (
	"context"
	"sync"
	"time"

	"go-checkin-verifier/images"
	"go-checkin-verifier/models"
	"go-checkin-verifier/verifyapi"
)

// fakeClient answers Verify calls through handle. n counts calls per action, starting at 1.
type fakeClient struct {
	mu     sync.Mutex
	calls  []verifyapi.Request
	counts map[verifyapi.Action]int
	handle func(req verifyapi.Request, n int) (*verifyapi.Response, error)
}

func newFakeClient(handle func(req verifyapi.Request, n int) (*verifyapi.Response, error)) *fakeClient {
	return &fakeClient{counts: map[verifyapi.Action]int{}, handle: handle}
}

func (f *fakeClient) Verify(_ context.Context, req verifyapi.Request) (*verifyapi.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.counts[req.Action()]++
	n := f.counts[req.Action()]
	f.mu.Unlock()
	return f.handle(req, n)
}

func (f *fakeClient) count(a verifyapi.Action) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[a]
}

func (f *fakeClient) last(a verifyapi.Action) verifyapi.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Action() == a {
			return f.calls[i]
		}
	}
	return nil
}

type passOptimizer struct{}

func (passOptimizer) Optimize(dataURL string) images.Result {
	return images.Result{Success: true, DataURL: dataURL, SizeBytes: images.Base64Size(dataURL)}
}

type rejectOptimizer struct{}

func (rejectOptimizer) Optimize(string) images.Result {
	return images.Result{ErrorMessage: images.ErrTooLarge}
}

func ok() *verifyapi.Response {
	return &verifyapi.Response{Success: models.Bool(true)}
}

func intPtr(i int) *int {
	return &i
}

var fixedNow = time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time {
	return fixedNow
}

var fastResume = Timing{
	InitialDelay: time.Millisecond,
	RetryDelays:  []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond},
}

var fastConsent = ConsentTiming{
	RetryDelays: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	SettleDelay: time.Millisecond,
}

const (
	testToken    = "tok_abcdef123456"
	documentJPEG = "data:image/jpeg;base64,ZG9jdW1lbnQ="
	selfieJPEG   = "data:image/jpeg;base64,c2VsZmll"
)

// consentedData is a guest session that already passed the consent gate.
func consentedData(flow models.FlowType) models.VerificationData {
	return models.VerificationData{
		SessionToken:       testToken,
		FlowType:           flow,
		ConsentGiven:       models.Bool(true),
		ExpectedGuestCount: 1,
	}
}
