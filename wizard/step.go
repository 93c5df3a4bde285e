package wizard

// Step is the wizard's position. Values match the page numbering used by
// kiosk front-ends.
type Step int

const (
	StepIntake Step = iota + 1
	StepDocument
	StepFaceVerify
	StepResults
)

// StepFromBackend maps the server's current_step onto a wizard step.
// Anything unknown, including "welcome" and "", is the intake step.
func StepFromBackend(currentStep string) Step {
	switch currentStep {
	case "document":
		return StepDocument
	case "selfie":
		return StepFaceVerify
	case "results":
		return StepResults
	default:
		return StepIntake
	}
}

func (s Step) String() string {
	switch s {
	case StepIntake:
		return "intake"
	case StepDocument:
		return "document"
	case StepFaceVerify:
		return "face-verify"
	case StepResults:
		return "results"
	default:
		return "unknown"
	}
}
