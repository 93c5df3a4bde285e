package wizard

import (
	"errors"
	"strings"
)

var (
	ErrMissingToken      = errors.New("no session token")
	ErrConsentRequired   = errors.New("consent has not been given")
	ErrBusy              = errors.New("a request for this session is already in flight")
	ErrClosed            = errors.New("session was closed")
	ErrWrongStep         = errors.New("action not allowed in the current step")
	ErrSessionNotFound   = errors.New("session not found")
	ErrStartMissingToken = errors.New("no session token received from server")
	ErrMissingFields     = errors.New("all fields are required")
	ErrUploadRejected    = errors.New("upload rejected by server")
	ErrConsentDeclined   = errors.New("consent checkbox not ticked")
)

// ImageRejectedError is returned when a capture fails optimization and
// must be retaken. Nothing is uploaded in that case.
type ImageRejectedError struct {
	Reason string
}

func (e *ImageRejectedError) Error() string {
	return "image rejected: " + e.Reason
}

// ActionError wraps a failed server call made by the controller.
type ActionError struct {
	Op  string
	Err error
}

func (e *ActionError) Error() string {
	return "failed to " + e.Op + ": " + e.Err.Error()
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Notice is a user-facing toast.
type Notice struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type domainPattern struct {
	needles []string
	notice  Notice
}

// Server-side validation failures, matched on the lowercased message.
var domainPatterns = []domainPattern{
	{
		needles: []string{"does not match"},
		notice: Notice{
			Title:       "Name does not match",
			Description: "The name entered does not match the reservation or the document. Please check the spelling and try again.",
		},
	},
	{
		needles: []string{"reservation not found", "booking not found"},
		notice: Notice{
			Title:       "Reservation not found",
			Description: "We could not find a reservation for this booking reference. Please check it or ask the front desk.",
		},
	},
	{
		needles: []string{"not checked in"},
		notice: Notice{
			Title:       "Guest not checked in",
			Description: "This reservation has not been checked in yet. Please contact the front desk.",
		},
	},
}

// Describe converts any error returned by this package into a notice.
func Describe(err error) Notice {
	if err == nil {
		return Notice{}
	}

	var imgErr *ImageRejectedError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return Notice{Title: "Session not found", Description: "The session may have expired or failed to create. Please try again."}
	case errors.Is(err, ErrMissingToken):
		return Notice{Title: "Session error", Description: "No session token found. Please restart."}
	case errors.Is(err, ErrStartMissingToken):
		return Notice{Title: "Error", Description: "Failed to process consent: No session token received from server"}
	case errors.Is(err, ErrConsentDeclined), errors.Is(err, ErrConsentRequired):
		return Notice{Title: "Consent required", Description: "Please accept the privacy terms to continue."}
	case errors.Is(err, ErrMissingFields):
		return Notice{Title: "Error", Description: "Please fill in all required fields."}
	case errors.Is(err, ErrBusy):
		return Notice{Title: "Please wait", Description: "Your previous request is still being processed."}
	case errors.Is(err, ErrClosed):
		return Notice{Title: "Session closed", Description: "This verification session has ended. Please start again."}
	case errors.Is(err, ErrWrongStep):
		return Notice{Title: "Error", Description: "This action is not available at this step."}
	case errors.As(err, &imgErr):
		return Notice{Title: "Please retake the photo", Description: imgErr.Reason}
	}

	title := "Something went wrong"
	msg := err.Error()
	var actErr *ActionError
	if errors.As(err, &actErr) {
		title = "Failed to " + actErr.Op
		msg = actErr.Err.Error()
	}

	lower := strings.ToLower(msg)
	for _, p := range domainPatterns {
		for _, needle := range p.needles {
			if strings.Contains(lower, needle) {
				return p.notice
			}
		}
	}

	return Notice{Title: title, Description: msg}
}
