package verifyapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// Response is the canonical shape of every verify endpoint reply. The
// backend reports fields either flat, under "data" or under "session";
// normalizeResponse resolves that once so callers never look twice.
type Response struct {
	Success      *bool
	SessionToken string
	Message      string
	ErrorMessage string

	IsVerified *bool
	// GuestVerified is the explicit guest_verified flag, falling back to
	// is_verified when the backend did not report it.
	GuestVerified     *bool
	VerificationScore *float64
	LivenessScore     *float64
	FaceMatchScore    *float64

	RequiresAdditionalGuest     *bool
	ExpectedGuestCount          *int
	VerifiedGuestCount          *int
	GuestIndex                  *int
	RemainingGuestVerifications *int

	Access VisitorAccess
	Room   RoomAssignment

	// Session is set when the reply carried a session object.
	Session *Session
}

type VisitorAccess struct {
	Code      string
	GrantedAt string
	ExpiresAt string
}

type RoomAssignment struct {
	PhysicalRoom string
	AccessCode   string
}

type VisitorIdentity struct {
	FirstName string
	LastName  string
	Phone     string
	Reason    string
}

// Session is the server-side view of a verification session as returned by get_session.
type Session struct {
	SessionToken  string
	Status        string
	CurrentStep   string
	FlowType      string
	ConsentGiven  *bool
	ConsentTime   string
	ConsentLocale string

	GuestName  string
	RoomNumber string
	Visitor    VisitorIdentity

	DocumentUploaded bool
	SelfieUploaded   bool

	IsVerified        *bool
	VerificationScore *float64
	LivenessScore     *float64
	FaceMatchScore    *float64

	ExpectedGuestCount      *int
	VerifiedGuestCount      *int
	GuestIndex              *int
	RequiresAdditionalGuest *bool

	Access             VisitorAccess
	Room               RoomAssignment
	PropertyExternalID string
	DoorKey            string
}

func (r *Response) Succeeded() bool {
	return r.Success != nil && *r.Success
}

// ServerMessage returns the error, then message, reported by the backend.
func (r *Response) ServerMessage() string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return r.Message
}

// -----------------------------------------------------------------------------

type flexString string

// UnmarshalJSON accepts strings and bare numbers; access codes come back as either.
func (s *flexString) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = flexString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*s = flexString(n.String())
		return nil
	}
	return fmt.Errorf("expected string or number, got %s", b)
}

type flexInt int

func (i *flexInt) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*i = flexInt(math.Round(f))
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		n, err := strconv.Atoi(strings.TrimSpace(str))
		if err != nil {
			return fmt.Errorf("expected integer, got %q", str)
		}
		*i = flexInt(n)
		return nil
	}
	return fmt.Errorf("expected integer, got %s", b)
}

type flexFloat float64

// UnmarshalJSON accepts numbers and numeric strings; numeric DB columns are
// often serialized quoted.
func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var v float64
	if err := json.Unmarshal(b, &v); err == nil {
		*f = flexFloat(v)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		v, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return fmt.Errorf("expected number, got %q", str)
		}
		*f = flexFloat(v)
		return nil
	}
	return fmt.Errorf("expected number, got %s", b)
}

type flexBool bool

// UnmarshalJSON accepts booleans, "true"/"false" and 0/1.
func (v *flexBool) UnmarshalJSON(b []byte) error {
	var bv bool
	if err := json.Unmarshal(b, &bv); err == nil {
		*v = flexBool(bv)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		parsed, err := strconv.ParseBool(strings.TrimSpace(str))
		if err != nil {
			return fmt.Errorf("expected boolean, got %q", str)
		}
		*v = flexBool(parsed)
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil && (n == 0 || n == 1) {
		*v = flexBool(n == 1)
		return nil
	}
	return fmt.Errorf("expected boolean, got %s", b)
}

type rawFields struct {
	Success      *flexBool   `json:"success"`
	SessionToken *flexString `json:"session_token"`
	Message      *flexString `json:"message"`
	Error        *flexString `json:"error"`
	Status       *flexString `json:"status"`
	CurrentStep  *flexString `json:"current_step"`
	FlowType     *flexString `json:"flow_type"`

	ConsentGiven  *flexBool   `json:"consent_given"`
	ConsentTime   *flexString `json:"consent_time"`
	ConsentLocale *flexString `json:"consent_locale"`

	GuestName  *flexString `json:"guest_name"`
	RoomNumber *flexString `json:"room_number"`
	BookingRef *flexString `json:"booking_ref"`

	VisitorFirstName *flexString `json:"visitor_first_name"`
	VisitorLastName  *flexString `json:"visitor_last_name"`
	VisitorPhone     *flexString `json:"visitor_phone"`
	VisitorReason    *flexString `json:"visitor_reason"`

	DocumentUploaded *flexBool `json:"document_uploaded"`
	SelfieUploaded   *flexBool `json:"selfie_uploaded"`

	IsVerified        *flexBool  `json:"is_verified"`
	GuestVerified     *flexBool  `json:"guest_verified"`
	VerificationScore *flexFloat `json:"verification_score"`
	LivenessScore     *flexFloat `json:"liveness_score"`
	FaceMatchScore    *flexFloat `json:"face_match_score"`

	RequiresAdditionalGuest     *flexBool `json:"requires_additional_guest"`
	ExpectedGuestCount          *flexInt  `json:"expected_guest_count"`
	VerifiedGuestCount          *flexInt  `json:"verified_guest_count"`
	GuestIndex                  *flexInt  `json:"guest_index"`
	RemainingGuestVerifications *flexInt  `json:"remaining_guest_verifications"`

	VisitorAccessCode      *flexString `json:"visitor_access_code"`
	AccessCode             *flexString `json:"access_code"`
	AccessCodeCamel        *flexString `json:"accessCode"`
	VisitorAccessGrantedAt *flexString `json:"visitor_access_granted_at"`
	VisitorAccessExpiresAt *flexString `json:"visitor_access_expires_at"`

	PhysicalRoom        *flexString `json:"physical_room"`
	RoomAccessCode      *flexString `json:"room_access_code"`
	RoomAccessCodeCamel *flexString `json:"roomAccessCode"`
	PropertyExternalID  *flexString `json:"property_external_id"`
	DoorKey             *flexString `json:"door_key"`

	Details json.RawMessage `json:"details"`
}

// decodeFields fills a rawFields one key at a time. A value of the wrong
// type drops that key only.
func decodeFields(obj map[string]json.RawMessage) *rawFields {
	var fields rawFields
	for key, value := range obj {
		single, err := json.Marshal(map[string]json.RawMessage{key: value})
		if err != nil {
			continue
		}
		var scratch rawFields
		if err := json.Unmarshal(single, &scratch); err != nil {
			slog.Debug("Ignoring malformed response field", "field", key, "error", err)
			continue
		}
		_ = json.Unmarshal(single, &fields)
	}
	return &fields
}

// decodeObject decodes a nested wrapper, ignoring anything that is not a JSON object.
func decodeObject(raw json.RawMessage) *rawFields {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil
	}
	return decodeFields(obj)
}

// pick returns the first layer's value that is present. Layers are ordered
// nested first, flat last.
func pick[T any](layers []*rawFields, get func(*rawFields) *T) *T {
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		if v := get(layer); v != nil {
			return v
		}
	}
	return nil
}

func pickString(layers []*rawFields, gets ...func(*rawFields) *flexString) string {
	for _, get := range gets {
		if v := pick(layers, get); v != nil && *v != "" {
			return string(*v)
		}
	}
	return ""
}

func pickInt(layers []*rawFields, get func(*rawFields) *flexInt) *int {
	v := pick(layers, get)
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

func pickBool(layers []*rawFields, get func(*rawFields) *flexBool) *bool {
	v := pick(layers, get)
	if v == nil {
		return nil
	}
	b := bool(*v)
	return &b
}

func pickFloat(layers []*rawFields, get func(*rawFields) *flexFloat) *float64 {
	v := pick(layers, get)
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}

func normalizeResponse(body []byte) (*Response, error) {
	var top map[string]json.RawMessage
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &top); err != nil {
			return nil, err
		}
	}

	flat := decodeFields(top)
	data := decodeObject(top["data"])
	session := decodeObject(top["session"])

	layers := []*rawFields{data, flat}
	var dataDetails *rawFields
	if data != nil {
		dataDetails = decodeObject(data.Details)
	}
	scoreLayers := []*rawFields{dataDetails, data, decodeObject(flat.Details), flat}

	resp := &Response{
		Success:      pickBool(layers, func(f *rawFields) *flexBool { return f.Success }),
		SessionToken: pickString(layers, func(f *rawFields) *flexString { return f.SessionToken }),
		Message:      pickString(layers, func(f *rawFields) *flexString { return f.Message }),
		ErrorMessage: pickString(layers, func(f *rawFields) *flexString { return f.Error }),

		IsVerified:        pickBool(layers, func(f *rawFields) *flexBool { return f.IsVerified }),
		VerificationScore: pickFloat(scoreLayers, func(f *rawFields) *flexFloat { return f.VerificationScore }),
		LivenessScore:     pickFloat(scoreLayers, func(f *rawFields) *flexFloat { return f.LivenessScore }),
		FaceMatchScore:    pickFloat(scoreLayers, func(f *rawFields) *flexFloat { return f.FaceMatchScore }),

		RequiresAdditionalGuest:     pickBool(layers, func(f *rawFields) *flexBool { return f.RequiresAdditionalGuest }),
		ExpectedGuestCount:          pickInt(layers, func(f *rawFields) *flexInt { return f.ExpectedGuestCount }),
		VerifiedGuestCount:          pickInt(layers, func(f *rawFields) *flexInt { return f.VerifiedGuestCount }),
		GuestIndex:                  pickInt(layers, func(f *rawFields) *flexInt { return f.GuestIndex }),
		RemainingGuestVerifications: pickInt(layers, func(f *rawFields) *flexInt { return f.RemainingGuestVerifications }),

		Access: visitorAccess(layers),
		Room:   roomAssignment(layers),
	}

	resp.GuestVerified = pickBool(layers, func(f *rawFields) *flexBool { return f.GuestVerified })
	if resp.GuestVerified == nil {
		resp.GuestVerified = resp.IsVerified
	}

	if session != nil || pick(layers, func(f *rawFields) *flexString { return f.CurrentStep }) != nil {
		resp.Session = normalizeSession([]*rawFields{session, data, flat})
	}

	return resp, nil
}

func visitorAccess(layers []*rawFields) VisitorAccess {
	return VisitorAccess{
		Code: pickString(layers,
			func(f *rawFields) *flexString { return f.VisitorAccessCode },
			func(f *rawFields) *flexString { return f.AccessCode },
			func(f *rawFields) *flexString { return f.AccessCodeCamel },
		),
		GrantedAt: pickString(layers, func(f *rawFields) *flexString { return f.VisitorAccessGrantedAt }),
		ExpiresAt: pickString(layers, func(f *rawFields) *flexString { return f.VisitorAccessExpiresAt }),
	}
}

func roomAssignment(layers []*rawFields) RoomAssignment {
	return RoomAssignment{
		PhysicalRoom: pickString(layers, func(f *rawFields) *flexString { return f.PhysicalRoom }),
		AccessCode: pickString(layers,
			func(f *rawFields) *flexString { return f.RoomAccessCode },
			func(f *rawFields) *flexString { return f.RoomAccessCodeCamel },
		),
	}
}

func normalizeSession(layers []*rawFields) *Session {
	str := func(get func(*rawFields) *flexString) string { return pickString(layers, get) }
	flag := func(get func(*rawFields) *flexBool) bool {
		v := pick(layers, get)
		return v != nil && bool(*v)
	}

	return &Session{
		SessionToken:  str(func(f *rawFields) *flexString { return f.SessionToken }),
		Status:        str(func(f *rawFields) *flexString { return f.Status }),
		CurrentStep:   str(func(f *rawFields) *flexString { return f.CurrentStep }),
		FlowType:      str(func(f *rawFields) *flexString { return f.FlowType }),
		ConsentGiven:  pickBool(layers, func(f *rawFields) *flexBool { return f.ConsentGiven }),
		ConsentTime:   str(func(f *rawFields) *flexString { return f.ConsentTime }),
		ConsentLocale: str(func(f *rawFields) *flexString { return f.ConsentLocale }),

		GuestName: str(func(f *rawFields) *flexString { return f.GuestName }),
		RoomNumber: pickString(layers,
			func(f *rawFields) *flexString { return f.RoomNumber },
			func(f *rawFields) *flexString { return f.BookingRef },
		),
		Visitor: VisitorIdentity{
			FirstName: str(func(f *rawFields) *flexString { return f.VisitorFirstName }),
			LastName:  str(func(f *rawFields) *flexString { return f.VisitorLastName }),
			Phone:     str(func(f *rawFields) *flexString { return f.VisitorPhone }),
			Reason:    str(func(f *rawFields) *flexString { return f.VisitorReason }),
		},

		DocumentUploaded: flag(func(f *rawFields) *flexBool { return f.DocumentUploaded }),
		SelfieUploaded:   flag(func(f *rawFields) *flexBool { return f.SelfieUploaded }),

		IsVerified:        pickBool(layers, func(f *rawFields) *flexBool { return f.IsVerified }),
		VerificationScore: pickFloat(layers, func(f *rawFields) *flexFloat { return f.VerificationScore }),
		LivenessScore:     pickFloat(layers, func(f *rawFields) *flexFloat { return f.LivenessScore }),
		FaceMatchScore:    pickFloat(layers, func(f *rawFields) *flexFloat { return f.FaceMatchScore }),

		ExpectedGuestCount:      pickInt(layers, func(f *rawFields) *flexInt { return f.ExpectedGuestCount }),
		VerifiedGuestCount:      pickInt(layers, func(f *rawFields) *flexInt { return f.VerifiedGuestCount }),
		GuestIndex:              pickInt(layers, func(f *rawFields) *flexInt { return f.GuestIndex }),
		RequiresAdditionalGuest: pickBool(layers, func(f *rawFields) *flexBool { return f.RequiresAdditionalGuest }),

		Access:             visitorAccess(layers),
		Room:               roomAssignment(layers),
		PropertyExternalID: str(func(f *rawFields) *flexString { return f.PropertyExternalID }),
		DoorKey:            str(func(f *rawFields) *flexString { return f.DoorKey }),
	}
}
