package verifyapi

import (
	"encoding/json"
	"fmt"

	"go-checkin-verifier/models"
)

type Action string

const (
	ActionStart          Action = "start"
	ActionLogConsent     Action = "log_consent"
	ActionUpdateGuest    Action = "update_guest"
	ActionGetSession     Action = "get_session"
	ActionUploadDocument Action = "upload_document"
	ActionVerifyFace     Action = "verify_face"
)

// Request is one of the action payloads accepted by the verify endpoint.
// The set is closed: only the types in this file implement it.
type Request interface {
	Action() Action
	isRequest()
}

type StartRequest struct {
	FlowType models.FlowType `json:"flow_type,omitempty"`
}

type LogConsentRequest struct {
	SessionToken  string `json:"session_token"`
	ConsentGiven  bool   `json:"consent_given"`
	ConsentTime   string `json:"consent_time"`
	ConsentLocale string `json:"consent_locale"`
}

type UpdateGuestRequest struct {
	SessionToken string          `json:"session_token"`
	FlowType     models.FlowType `json:"flow_type,omitempty"`

	GuestName  string `json:"guest_name,omitempty"`
	BookingRef string `json:"booking_ref,omitempty"`
	RoomNumber string `json:"room_number,omitempty"` // legacy name of booking_ref

	VisitorFirstName string `json:"visitor_first_name,omitempty"`
	VisitorLastName  string `json:"visitor_last_name,omitempty"`
	VisitorPhone     string `json:"visitor_phone,omitempty"`
	VisitorReason    string `json:"visitor_reason,omitempty"`
}

type GetSessionRequest struct {
	SessionToken string `json:"session_token"`
}

type UploadDocumentRequest struct {
	SessionToken string `json:"session_token"`
	ImageData    string `json:"image_data"` // base64 without the data URI prefix
	DocumentType string `json:"document_type"`
	GuestName    string `json:"guest_name,omitempty"`
	RoomNumber   string `json:"room_number,omitempty"`
	GuestIndex   *int   `json:"guest_index,omitempty"`
}

type VerifyFaceRequest struct {
	SessionToken string `json:"session_token"`
	SelfieData   string `json:"selfie_data"`
	ImageData    string `json:"image_data,omitempty"`
	GuestIndex   *int   `json:"guest_index,omitempty"`
}

func (StartRequest) Action() Action          { return ActionStart }
func (LogConsentRequest) Action() Action     { return ActionLogConsent }
func (UpdateGuestRequest) Action() Action    { return ActionUpdateGuest }
func (GetSessionRequest) Action() Action     { return ActionGetSession }
func (UploadDocumentRequest) Action() Action { return ActionUploadDocument }
func (VerifyFaceRequest) Action() Action     { return ActionVerifyFace }

func (StartRequest) isRequest()          {}
func (LogConsentRequest) isRequest()     {}
func (UpdateGuestRequest) isRequest()    {}
func (GetSessionRequest) isRequest()     {}
func (UploadDocumentRequest) isRequest() {}
func (VerifyFaceRequest) isRequest()     {}

// encodeRequest flattens the payload and adds the "action" discriminator.
func encodeRequest(req Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", req.Action(), err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten %s request: %w", req.Action(), err)
	}

	action, err := json.Marshal(req.Action())
	if err != nil {
		return nil, err
	}
	fields["action"] = action

	return json.Marshal(fields)
}

// describe returns loggable attributes of a request without image payloads.
func describe(req Request) []any {
	attrs := []any{"action", req.Action()}
	switch r := req.(type) {
	case UploadDocumentRequest:
		attrs = append(attrs, "document_type", r.DocumentType, "image_data_length", len(r.ImageData))
	case VerifyFaceRequest:
		attrs = append(attrs, "selfie_data_length", len(r.SelfieData))
	case StartRequest:
		attrs = append(attrs, "flow_type", r.FlowType)
	}
	return attrs
}
