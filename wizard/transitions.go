package wizard

type Event int

const (
	EventIntakeSaved Event = iota + 1
	EventDocumentAccepted
	// EventAccessGranted is a visitor document upload; visitors skip face verification.
	EventAccessGranted
	EventGuestRejected
	EventGuestVerifiedMore
	EventGuestVerifiedLast
	EventBack
)

func (e Event) String() string {
	switch e {
	case EventIntakeSaved:
		return "intake-saved"
	case EventDocumentAccepted:
		return "document-accepted"
	case EventAccessGranted:
		return "access-granted"
	case EventGuestRejected:
		return "guest-rejected"
	case EventGuestVerifiedMore:
		return "guest-verified-more"
	case EventGuestVerifiedLast:
		return "guest-verified-last"
	case EventBack:
		return "back"
	default:
		return "unknown"
	}
}

// Effect is a bit set of side effects applied to local state alongside a transition.
type Effect uint8

const (
	EffectClearSelfie Effect = 1 << iota
	EffectClearCaptures
	EffectAdvanceGuest
)

func (e Effect) Has(f Effect) bool {
	return e&f != 0
}

type Outcome struct {
	Next    Step
	Effects Effect
}

type edge struct {
	from Step
	on   Event
}

var transitions = map[edge]Outcome{
	{StepIntake, EventIntakeSaved}:           {Next: StepDocument},
	{StepDocument, EventDocumentAccepted}:    {Next: StepFaceVerify},
	{StepDocument, EventAccessGranted}:       {Next: StepResults},
	{StepFaceVerify, EventGuestRejected}:     {Next: StepFaceVerify, Effects: EffectClearSelfie},
	{StepFaceVerify, EventGuestVerifiedMore}: {Next: StepDocument, Effects: EffectClearCaptures | EffectAdvanceGuest},
	{StepFaceVerify, EventGuestVerifiedLast}: {Next: StepResults},
	{StepDocument, EventBack}:                {Next: StepIntake},
	{StepFaceVerify, EventBack}:              {Next: StepDocument},
}

// Transition looks up what happens when ev arrives in step from. ok is
// false when the event is not accepted there.
func Transition(from Step, ev Event) (Outcome, bool) {
	out, ok := transitions[edge{from, ev}]
	return out, ok
}
