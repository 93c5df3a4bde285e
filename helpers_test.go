package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go-checkin-verifier/events/eventstest"
	"go-checkin-verifier/verifyapi"
	"go-checkin-verifier/wizard"

	"github.com/stretchr/testify/require"
)

// Booking references with special behaviour in the fake backend.
const (
	unknownBooking = "999"
	familyBooking  = "202"
	rejectedGuest  = "Mallory Example"
)

type fakeSession struct {
	token     string
	flow      string
	consent   bool
	locale    string
	step      string
	guestName string
	room      string
	visitor   map[string]string
	expected  int
	verified  int
	accessed  bool
}

// fakeBackend imitates the verification backend's single action endpoint.
type fakeBackend struct {
	mu       sync.Mutex
	next     int
	sessions map[string]*fakeSession
	calls    map[string]int

	srv *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{sessions: map[string]*fakeSession{}, calls: map[string]int{}}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) URL() string {
	return b.srv.URL
}

func (b *fakeBackend) count(action string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[action]
}

// seed registers a session as if an earlier kiosk had created it.
func (b *fakeBackend) seed(s *fakeSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.expected == 0 {
		s.expected = 1
	}
	b.sessions[s.token] = s
}

func (b *fakeBackend) session(token string) *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[token]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != verifyapi.DefaultEndpoint || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reply(w, http.StatusBadRequest, map[string]any{"error": "invalid body"})
		return
	}
	str := func(k string) string {
		v, _ := req[k].(string)
		return v
	}
	action := str("action")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[action]++

	if action == "start" {
		b.next++
		token := fmt.Sprintf("sess-%d", b.next)
		b.sessions[token] = &fakeSession{token: token, flow: str("flow_type"), step: "intake", expected: 1}
		reply(w, http.StatusOK, map[string]any{"success": true, "session_token": token})
		return
	}

	s, ok := b.sessions[str("session_token")]
	if !ok {
		reply(w, http.StatusNotFound, map[string]any{"success": false, "error": "Session not found"})
		return
	}

	switch action {
	case "log_consent":
		s.consent, _ = req["consent_given"].(bool)
		s.locale = str("consent_locale")
		reply(w, http.StatusOK, map[string]any{"success": true})

	case "update_guest":
		if str("booking_ref") == unknownBooking {
			reply(w, http.StatusNotFound, map[string]any{"success": false, "error": "Reservation not found for this booking"})
			return
		}
		s.guestName = str("guest_name")
		s.room = str("booking_ref")
		if s.room == familyBooking {
			s.expected = 2
		}
		if first := str("visitor_first_name"); first != "" {
			s.visitor = map[string]string{"first": first, "last": str("visitor_last_name")}
		}
		s.step = "document"
		reply(w, http.StatusOK, map[string]any{"success": true})

	case "get_session":
		reply(w, http.StatusOK, map[string]any{"success": true, "session": map[string]any{
			"session_token":        s.token,
			"flow_type":            s.flow,
			"consent_given":        s.consent,
			"current_step":         s.step,
			"guest_name":           s.guestName,
			"room_number":          s.room,
			"expected_guest_count": s.expected,
			"verified_guest_count": s.verified,
		}})

	case "upload_document":
		if s.flow == "visitor" {
			s.accessed = true
			s.step = "results"
			reply(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
				"visitor_access_code":       4821,
				"visitor_access_granted_at": "2025-03-01T10:30:00Z",
				"visitor_access_expires_at": "2025-03-01T18:30:00Z",
			}})
			return
		}
		s.step = "selfie"
		reply(w, http.StatusOK, map[string]any{"success": true})

	case "verify_face":
		if s.guestName == rejectedGuest {
			reply(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
				"guest_verified":     false,
				"is_verified":        false,
				"verification_score": 0.21,
			}})
			return
		}
		s.verified++
		more := s.verified < s.expected
		if more {
			s.step = "document"
		} else {
			s.step = "results"
		}
		reply(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
			"guest_verified":            true,
			"is_verified":               true,
			"verification_score":        0.93,
			"liveness_score":            0.97,
			"face_match_score":          0.91,
			"verified_guest_count":      s.verified,
			"expected_guest_count":      s.expected,
			"requires_additional_guest": more,
			"physical_room":             "1204",
			"room_access_code":          "7731",
		}})

	default:
		reply(w, http.StatusBadRequest, map[string]any{"success": false, "error": "unknown action"})
	}
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// testServer is a kiosk backend wired to a fake verification backend.
type testServer struct {
	url       string
	backend   *fakeBackend
	flowHints *InMemoryFlowHintStorage
	events    *eventstest.Recorder
	state     *ServerState
}

type serverOpt func(*ServerState)

func withReceipts(rc ReceiptCreator) serverOpt {
	return func(s *ServerState) { s.receipts = rc }
}

func startTestServer(t *testing.T, opts ...serverOpt) *testServer {
	t.Helper()

	backend := newFakeBackend(t)
	flowHints := NewInMemoryFlowHintStorage()
	recorder := &eventstest.Recorder{}
	state := &ServerState{
		verifyClient: verifyapi.NewHTTPClient(backend.URL()),
		flowHints:    flowHints,
		publisher:    recorder,
		registry:     NewSessionRegistry(time.Minute),
		resumeTiming: wizard.Timing{
			InitialDelay: time.Millisecond,
			RetryDelays:  []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond},
		},
		consentTiming: wizard.ConsentTiming{
			RetryDelays: []time.Duration{time.Millisecond},
			SettleDelay: time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(state)
	}

	srv, err := NewServer(state, testConfig)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		state.registry.CloseAll()
	})

	return &testServer{url: ts.URL, backend: backend, flowHints: flowHints, events: recorder, state: state}
}

var testConfig = ServerConfig{
	Host: "localhost",
	Port: 8081,
}

func (ts *testServer) wizardURL(token, suffix string) string {
	return ts.url + "/api/wizard/" + token + suffix
}

// consent creates a session through the consent gate and returns its token.
func (ts *testServer) consent(t *testing.T, flow string) string {
	t.Helper()
	resp, body, wr := postJSON[WizardResponse](t, ts.wizardURL(wizard.NewSessionToken, "/consent"), ConsentRequest{Accepted: true, FlowType: flow})
	mustStatus(t, resp, http.StatusOK, body)
	require.NotEmpty(t, wr.SessionToken)
	return wr.SessionToken
}

func waitUntilHealthy(t *testing.T, url string) {
	t.Helper()
	const maxAttempts = 50
	for i := 0; i < maxAttempts; i++ {
		if resp, err := http.Get(url); err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not start in time")
}

func postJSON[T any](t *testing.T, url string, payload any) (*http.Response, []byte, *T) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(b)
	}
	resp, err := http.Post(url, "application/json", body)
	require.NoError(t, err)
	return decodeResponse[T](t, resp)
}

func getJSON[T any](t *testing.T, url string) (*http.Response, []byte, *T) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	return decodeResponse[T](t, resp)
}

func deleteJSON[T any](t *testing.T, url string) (*http.Response, []byte, *T) {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return decodeResponse[T](t, resp)
}

func decodeResponse[T any](t *testing.T, resp *http.Response) (*http.Response, []byte, *T) {
	t.Helper()
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var v T
	_ = json.Unmarshal(respBody, &v)
	return resp, respBody, &v
}

func mustStatus(t *testing.T, resp *http.Response, want int, body []byte) {
	t.Helper()
	require.Equalf(t, want, resp.StatusCode, "body: %s", body)
}

// jpegDataURL renders a small solid JPEG as a data URL.
func jpegDataURL(t *testing.T, shade uint8) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: 128, B: 255 - shade, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}))
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}
