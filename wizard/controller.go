package wizard

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go-checkin-verifier/events"
	"go-checkin-verifier/images"
	"go-checkin-verifier/logging"
	"go-checkin-verifier/models"
	"go-checkin-verifier/verifyapi"
)

const (
	RetryPath = "/verify/new?flow=guest"
	HomePath  = "/"
)

type ImageOptimizer interface {
	Optimize(dataURL string) images.Result
}

type FaceOutcome string

const (
	// OutcomeRetry means the guest failed and must retake the selfie.
	OutcomeRetry     FaceOutcome = "retry"
	OutcomeNextGuest FaceOutcome = "next_guest"
	OutcomeComplete  FaceOutcome = "complete"
)

type ControllerConfig struct {
	DocumentType string
	Optimizer    ImageOptimizer
	Publisher    events.Publisher
	Now          func() time.Time
}

// Controller drives one session through intake, document, face
// verification and results. Only one action may be in flight at a time.
type Controller struct {
	client       verifyapi.Client
	optimizer    ImageOptimizer
	publisher    events.Publisher
	documentType string
	now          func() time.Time
	log          *slog.Logger

	busy   atomic.Bool
	closed atomic.Bool

	mu   sync.Mutex
	data models.VerificationData
	step Step
}

func NewController(client verifyapi.Client, data models.VerificationData, step Step, cfg ControllerConfig) *Controller {
	c := &Controller{
		client:       client,
		optimizer:    cfg.Optimizer,
		publisher:    cfg.Publisher,
		documentType: cfg.DocumentType,
		now:          cfg.Now,
		log:          logging.ForSession(data.SessionToken),
		data:         data,
		step:         step,
	}
	if c.optimizer == nil {
		c.optimizer = images.NewOptimizer(images.DefaultOptions)
	}
	if c.publisher == nil {
		c.publisher = events.Noop{}
	}
	if c.documentType == "" {
		c.documentType = "passport"
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.data.ExpectedGuestCount < 1 {
		c.data.ExpectedGuestCount = 1
	}
	return c
}

// NewControllerFromResume starts a controller at the resumed state.
func NewControllerFromResume(client verifyapi.Client, res *ResumeResult, cfg ControllerConfig) *Controller {
	return NewController(client, res.Data, res.Step, cfg)
}

// begin claims the in-flight slot.
func (c *Controller) begin() (func(), error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	return func() { c.busy.Store(false) }, nil
}

// guard checks the preconditions shared by every server-backed step.
// Caller holds c.mu.
func (c *Controller) guard(want Step) error {
	if c.step != want {
		return ErrWrongStep
	}
	if c.data.SessionToken == "" {
		return ErrMissingToken
	}
	if !c.data.Consented() {
		return ErrConsentRequired
	}
	return nil
}

// apply runs the transition for ev. Caller holds c.mu.
func (c *Controller) apply(ev Event) (Outcome, error) {
	out, ok := Transition(c.step, ev)
	if !ok {
		return Outcome{}, ErrWrongStep
	}
	if out.Effects.Has(EffectClearSelfie) {
		c.data.SelfieImage = ""
		c.data.SelfieUploaded = false
	}
	if out.Effects.Has(EffectClearCaptures) {
		c.data.ClearCaptures()
		c.data.DocumentUploaded = false
		c.data.SelfieUploaded = false
	}
	if out.Effects.Has(EffectAdvanceGuest) {
		// Never point at a guest the server already counted as verified.
		c.data.GuestIndex = max(c.data.GuestIndex+1, c.data.VerifiedGuestCount)
	}
	c.log.Debug("wizard transition", "from", c.step, "event", ev, "to", out.Next)
	c.step = out.Next
	return out, nil
}

// CompleteConsent records a finished consent gate.
func (c *Controller) CompleteConsent(ctx context.Context, res *ConsentResult) {
	c.mu.Lock()
	if c.data.SessionToken == "" {
		c.data.SessionToken = res.SessionToken
		c.data.FlowType = res.FlowType
		c.log = logging.ForSession(res.SessionToken)
	}
	c.data.ConsentGiven = models.Bool(true)
	c.data.ConsentTime = res.ConsentTime
	ev := c.eventLocked()
	c.mu.Unlock()

	c.publish(ctx, events.ConsentGiven, ev)
}

// Resumed announces that the session was picked up again.
func (c *Controller) Resumed(ctx context.Context) {
	c.mu.Lock()
	ev := c.eventLocked()
	c.mu.Unlock()
	c.publish(ctx, events.SessionResumed, ev)
}

type Intake struct {
	GuestName  string `json:"guest_name"`
	BookingRef string `json:"booking_ref"`

	VisitorFirstName string `json:"visitor_first_name"`
	VisitorLastName  string `json:"visitor_last_name"`
	VisitorPhone     string `json:"visitor_phone"`
	VisitorReason    string `json:"visitor_reason"`
}

func (in Intake) trimmed() Intake {
	return Intake{
		GuestName:        strings.TrimSpace(in.GuestName),
		BookingRef:       strings.TrimSpace(in.BookingRef),
		VisitorFirstName: strings.TrimSpace(in.VisitorFirstName),
		VisitorLastName:  strings.TrimSpace(in.VisitorLastName),
		VisitorPhone:     strings.TrimSpace(in.VisitorPhone),
		VisitorReason:    strings.TrimSpace(in.VisitorReason),
	}
}

func (in Intake) validate(flow models.FlowType) error {
	if flow.IsVisitor() {
		if in.VisitorFirstName == "" || in.VisitorLastName == "" || in.VisitorPhone == "" || in.VisitorReason == "" {
			return ErrMissingFields
		}
		return nil
	}
	if in.GuestName == "" || in.BookingRef == "" {
		return ErrMissingFields
	}
	return nil
}

// SubmitIntake saves the guest or visitor identity and moves to document capture.
func (c *Controller) SubmitIntake(ctx context.Context, in Intake) error {
	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	c.mu.Lock()
	if err := c.guard(StepIntake); err != nil {
		c.mu.Unlock()
		return err
	}
	token, flow := c.data.SessionToken, c.data.FlowType
	c.mu.Unlock()

	in = in.trimmed()
	if err := in.validate(flow); err != nil {
		return err
	}

	req := verifyapi.UpdateGuestRequest{SessionToken: token, FlowType: flow}
	if flow.IsVisitor() {
		req.VisitorFirstName = in.VisitorFirstName
		req.VisitorLastName = in.VisitorLastName
		req.VisitorPhone = in.VisitorPhone
		req.VisitorReason = in.VisitorReason
	} else {
		req.GuestName = in.GuestName
		req.BookingRef = in.BookingRef
		req.RoomNumber = in.BookingRef
	}

	resp, err := verifyapi.UpdateGuest(ctx, c.client, req)
	if err := checkResponse("save your details", resp, err, false); err != nil {
		c.log.Warn("update_guest failed", "error", err)
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if flow.IsVisitor() {
		c.data.VisitorFirstName = in.VisitorFirstName
		c.data.VisitorLastName = in.VisitorLastName
		c.data.VisitorPhone = in.VisitorPhone
		c.data.VisitorReason = in.VisitorReason
	} else {
		c.data.GuestName = in.GuestName
		c.data.RoomNumber = in.BookingRef
	}
	_, err = c.apply(EventIntakeSaved)
	return err
}

// UploadDocument optimizes and uploads the current guest's document. A
// visitor's upload grants access directly and finishes the wizard.
func (c *Controller) UploadDocument(ctx context.Context, dataURL string) error {
	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	c.mu.Lock()
	if err := c.guard(StepDocument); err != nil {
		c.mu.Unlock()
		return err
	}
	d := c.data
	c.mu.Unlock()

	optimized := c.optimizer.Optimize(dataURL)
	if !optimized.Success {
		return &ImageRejectedError{Reason: optimized.ErrorMessage}
	}

	guestIndex := d.GuestIndex
	resp, err := verifyapi.UploadDocument(ctx, c.client, verifyapi.UploadDocumentRequest{
		SessionToken: d.SessionToken,
		ImageData:    images.StripDataURLPrefix(optimized.DataURL),
		DocumentType: c.documentType,
		GuestName:    d.GuestName,
		RoomNumber:   d.RoomNumber,
		GuestIndex:   &guestIndex,
	})
	if err := checkResponse("upload document", resp, err, true); err != nil {
		c.log.Warn("upload_document failed", "guest_index", guestIndex, "error", err)
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}

	c.mu.Lock()
	c.data.DocumentImage = optimized.DataURL
	c.data.DocumentUploaded = true
	mergeRoom(&c.data, resp.Room)

	if !c.data.FlowType.IsVisitor() {
		_, err = c.apply(EventDocumentAccepted)
		c.mu.Unlock()
		return err
	}

	if resp.Access.Code != "" {
		c.data.VisitorAccessCode = resp.Access.Code
	}
	if resp.Access.GrantedAt != "" {
		c.data.VisitorAccessGrantedAt = resp.Access.GrantedAt
	}
	if resp.Access.ExpiresAt != "" {
		c.data.VisitorAccessExpiresAt = resp.Access.ExpiresAt
	}
	if _, err = c.apply(EventAccessGranted); err != nil {
		c.mu.Unlock()
		return err
	}
	ev := c.eventLocked()
	c.mu.Unlock()

	c.log.Info("visitor access granted", "has_code", resp.Access.Code != "")
	c.publish(ctx, events.SessionCompleted, ev)
	return nil
}

// VerifyFace optimizes and submits the current guest's selfie, then
// decides between retake, next guest and results.
func (c *Controller) VerifyFace(ctx context.Context, dataURL string) (FaceOutcome, error) {
	release, err := c.begin()
	if err != nil {
		return "", err
	}
	defer release()

	c.mu.Lock()
	if err := c.guard(StepFaceVerify); err != nil {
		c.mu.Unlock()
		return "", err
	}
	token, guestIndex := c.data.SessionToken, c.data.GuestIndex
	c.mu.Unlock()

	optimized := c.optimizer.Optimize(dataURL)
	if !optimized.Success {
		return "", &ImageRejectedError{Reason: optimized.ErrorMessage}
	}

	selfie := images.StripDataURLPrefix(optimized.DataURL)
	resp, err := verifyapi.VerifyFace(ctx, c.client, verifyapi.VerifyFaceRequest{
		SessionToken: token,
		SelfieData:   selfie,
		ImageData:    selfie,
		GuestIndex:   &guestIndex,
	})
	if err := checkResponse("verify identity", resp, err, false); err != nil {
		c.log.Warn("verify_face failed", "guest_index", guestIndex, "error", err)
		return "", err
	}
	if c.closed.Load() {
		return "", ErrClosed
	}

	c.mu.Lock()
	mergeScores(&c.data, resp)
	mergeRoom(&c.data, resp.Room)

	if resp.GuestVerified == nil || !*resp.GuestVerified {
		c.data.GuestVerified = models.Bool(false)
		if _, err := c.apply(EventGuestRejected); err != nil {
			c.mu.Unlock()
			return "", err
		}
		ev := c.eventLocked()
		c.mu.Unlock()

		c.log.Info("guest verification failed", "guest_index", guestIndex)
		c.publish(ctx, events.GuestRejected, ev)
		return OutcomeRetry, nil
	}

	c.data.GuestVerified = models.Bool(true)
	reconcileGuestCounts(&c.data, resp)
	verifiedEv := c.eventLocked()

	if c.data.RequiresAdditionalGuest {
		if _, err := c.apply(EventGuestVerifiedMore); err != nil {
			c.mu.Unlock()
			return "", err
		}
		c.mu.Unlock()

		c.log.Info("guest verified, next guest", "verified", verifiedEv.VerifiedGuestCount, "expected", verifiedEv.ExpectedGuestCount)
		c.publish(ctx, events.GuestVerified, verifiedEv)
		return OutcomeNextGuest, nil
	}

	c.data.SelfieImage = optimized.DataURL
	c.data.SelfieUploaded = true
	if _, err := c.apply(EventGuestVerifiedLast); err != nil {
		c.mu.Unlock()
		return "", err
	}
	doneEv := c.eventLocked()
	c.mu.Unlock()

	c.log.Info("all guests verified", "verified", doneEv.VerifiedGuestCount)
	c.publish(ctx, events.GuestVerified, verifiedEv)
	c.publish(ctx, events.SessionCompleted, doneEv)
	return OutcomeComplete, nil
}

// Back returns to the previous step without contacting the server.
func (c *Controller) Back() error {
	release, err := c.begin()
	if err != nil {
		return err
	}
	defer release()

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.apply(EventBack)
	return err
}

// Close ends the session locally. Late responses are discarded afterwards.
func (c *Controller) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.log.Debug("wizard closed")
	}
}

func (c *Controller) Closed() bool {
	return c.closed.Load()
}

func (c *Controller) Step() Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

func (c *Controller) Data() models.VerificationData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

type View struct {
	SessionToken string                  `json:"session_token"`
	Step         Step                    `json:"step"`
	StepName     string                  `json:"step_name"`
	FlowType     models.FlowType         `json:"flow_type"`
	ShowConsent  bool                    `json:"show_consent"`
	Progress     Progress                `json:"progress"`
	Data         models.VerificationData `json:"data"`
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	progress := GuestProgress(c.data.VerifiedGuestCount, c.data.ExpectedGuestCount)
	if c.data.FlowType.IsVisitor() {
		progress.Visible = false
	}
	return View{
		SessionToken: c.data.SessionToken,
		Step:         c.step,
		StepName:     c.step.String(),
		FlowType:     c.data.FlowType,
		ShowConsent:  !c.data.Consented(),
		Progress:     progress,
		Data:         c.data,
	}
}

type ResultAction struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

type Results struct {
	FlowType models.FlowType `json:"flow_type"`

	Verified           *bool    `json:"verified,omitempty"`
	VerificationScore  *float64 `json:"verification_score,omitempty"`
	LivenessScore      *float64 `json:"liveness_score,omitempty"`
	FaceMatchScore     *float64 `json:"face_match_score,omitempty"`
	GuestName          string   `json:"guest_name,omitempty"`
	RoomNumber         string   `json:"room_number,omitempty"`
	PhysicalRoom       string   `json:"physical_room,omitempty"`
	RoomAccessCode     string   `json:"room_access_code,omitempty"`
	VerifiedGuestCount int      `json:"verified_guest_count,omitempty"`
	ExpectedGuestCount int      `json:"expected_guest_count,omitempty"`

	VisitorName     string `json:"visitor_name,omitempty"`
	AccessCode      string `json:"access_code,omitempty"`
	AccessGrantedAt string `json:"access_granted_at,omitempty"`
	AccessExpiresAt string `json:"access_expires_at,omitempty"`

	Actions []ResultAction `json:"actions"`
}

// Results is only available once the wizard reached its terminal step.
func (c *Controller) Results() (Results, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step != StepResults {
		return Results{}, ErrWrongStep
	}

	d := c.data
	home := ResultAction{Label: "home", Path: HomePath}
	if d.FlowType.IsVisitor() {
		return Results{
			FlowType:        d.FlowType,
			VisitorName:     strings.TrimSpace(d.VisitorFirstName + " " + d.VisitorLastName),
			AccessCode:      d.VisitorAccessCode,
			AccessGrantedAt: d.VisitorAccessGrantedAt,
			AccessExpiresAt: d.VisitorAccessExpiresAt,
			Actions:         []ResultAction{home},
		}, nil
	}

	return Results{
		FlowType:           d.FlowType,
		Verified:           d.Verified(),
		VerificationScore:  d.VerificationScore,
		LivenessScore:      d.LivenessScore,
		FaceMatchScore:     d.FaceMatchScore,
		GuestName:          d.GuestName,
		RoomNumber:         d.RoomNumber,
		PhysicalRoom:       d.PhysicalRoom,
		RoomAccessCode:     d.RoomAccessCode,
		VerifiedGuestCount: d.VerifiedGuestCount,
		ExpectedGuestCount: d.ExpectedGuestCount,
		Actions:            []ResultAction{{Label: "retry", Path: RetryPath}, home},
	}, nil
}

// eventLocked snapshots the lifecycle payload. Caller holds c.mu.
func (c *Controller) eventLocked() events.SessionEvent {
	return events.SessionEvent{
		SessionToken:       logging.RedactToken(c.data.SessionToken),
		FlowType:           string(c.data.FlowType),
		Step:               c.step.String(),
		GuestIndex:         c.data.GuestIndex,
		VerifiedGuestCount: c.data.VerifiedGuestCount,
		ExpectedGuestCount: c.data.ExpectedGuestCount,
		Timestamp:          c.now().UTC(),
	}
}

func (c *Controller) publish(ctx context.Context, subject string, ev events.SessionEvent) {
	if err := c.publisher.Publish(ctx, subject, ev); err != nil {
		c.log.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

// checkResponse turns a transport error or an explicit server refusal into
// an *ActionError. With requireSuccess, a missing success flag is a refusal too.
func checkResponse(op string, resp *verifyapi.Response, err error, requireSuccess bool) error {
	if err != nil {
		return &ActionError{Op: op, Err: err}
	}
	refused := resp.Success != nil && !*resp.Success
	if requireSuccess {
		refused = !resp.Succeeded()
	}
	if refused {
		return &ActionError{Op: op, Err: rejection(resp.ServerMessage())}
	}
	return nil
}

type rejection string

func (r rejection) Error() string {
	if r == "" {
		return ErrUploadRejected.Error()
	}
	return string(r)
}

func (r rejection) Is(target error) bool {
	return target == ErrUploadRejected
}

func mergeScores(d *models.VerificationData, resp *verifyapi.Response) {
	if resp.IsVerified != nil {
		d.IsVerified = resp.IsVerified
	}
	if resp.VerificationScore != nil {
		d.VerificationScore = resp.VerificationScore
	}
	if resp.LivenessScore != nil {
		d.LivenessScore = resp.LivenessScore
	}
	if resp.FaceMatchScore != nil {
		d.FaceMatchScore = resp.FaceMatchScore
	}
}

func mergeRoom(d *models.VerificationData, room verifyapi.RoomAssignment) {
	if room.PhysicalRoom != "" {
		d.PhysicalRoom = room.PhysicalRoom
	}
	if room.AccessCode != "" {
		d.RoomAccessCode = room.AccessCode
	}
}

// reconcileGuestCounts folds a passed guest into the booking counters.
// The verified count never decreases, and RequiresAdditionalGuest always
// equals VerifiedGuestCount < ExpectedGuestCount afterwards.
func reconcileGuestCounts(d *models.VerificationData, resp *verifyapi.Response) {
	verified := d.VerifiedGuestCount + 1
	if resp.VerifiedGuestCount != nil {
		verified = max(d.VerifiedGuestCount, *resp.VerifiedGuestCount, 1)
	}

	expected := max(d.ExpectedGuestCount, 1)
	if resp.ExpectedGuestCount != nil && *resp.ExpectedGuestCount >= 1 {
		expected = *resp.ExpectedGuestCount
	}

	// Without both counters from the server, its flag decides and the
	// expected count is adjusted to agree with it.
	if (resp.VerifiedGuestCount == nil || resp.ExpectedGuestCount == nil) && resp.RequiresAdditionalGuest != nil {
		switch {
		case *resp.RequiresAdditionalGuest && verified >= expected:
			expected = verified + 1
		case !*resp.RequiresAdditionalGuest && verified < expected:
			expected = verified
		}
	}

	d.VerifiedGuestCount = verified
	d.ExpectedGuestCount = expected
	d.RequiresAdditionalGuest = d.OutstandingGuests()
}
