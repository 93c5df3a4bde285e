package models

// VerificationData is the local projection of a verification session plus
// the transient capture state of the guest currently being processed.
type VerificationData struct {
	SessionToken string   `json:"session_token,omitempty"`
	FlowType     FlowType `json:"flow_type"`

	ConsentGiven  *bool  `json:"consent_given"`
	ConsentTime   string `json:"consent_time,omitempty"`
	ConsentLocale string `json:"consent_locale,omitempty"`

	GuestName  string `json:"guest_name,omitempty"`
	RoomNumber string `json:"room_number,omitempty"` // booking reference

	VisitorFirstName string `json:"visitor_first_name,omitempty"`
	VisitorLastName  string `json:"visitor_last_name,omitempty"`
	VisitorPhone     string `json:"visitor_phone,omitempty"`
	VisitorReason    string `json:"visitor_reason,omitempty"`

	DocumentUploaded bool `json:"document_uploaded"`
	SelfieUploaded   bool `json:"selfie_uploaded"`

	IsVerified        *bool    `json:"is_verified"`
	GuestVerified     *bool    `json:"guest_verified,omitempty"`
	VerificationScore *float64 `json:"verification_score"`
	LivenessScore     *float64 `json:"liveness_score"`
	FaceMatchScore    *float64 `json:"face_match_score"`

	ExpectedGuestCount      int  `json:"expected_guest_count"`
	VerifiedGuestCount      int  `json:"verified_guest_count"`
	GuestIndex              int  `json:"guest_index"`
	RequiresAdditionalGuest bool `json:"requires_additional_guest"`

	VisitorAccessCode      string `json:"visitor_access_code,omitempty"`
	VisitorAccessGrantedAt string `json:"visitor_access_granted_at,omitempty"`
	VisitorAccessExpiresAt string `json:"visitor_access_expires_at,omitempty"`

	// Post-verification room assignment, when the property reports one.
	PhysicalRoom       string `json:"physical_room,omitempty"`
	RoomAccessCode     string `json:"room_access_code,omitempty"`
	PropertyExternalID string `json:"property_external_id,omitempty"`
	DoorKey            string `json:"door_key,omitempty"`

	// Data URLs of the current guest's captures. Never serialized.
	DocumentImage string `json:"-"`
	SelfieImage   string `json:"-"`
}

// Consented reports whether consent is known to be given, locally or by the server.
func (d VerificationData) Consented() bool {
	return d.ConsentGiven != nil && *d.ConsentGiven
}

// OutstandingGuests reports whether more occupants of the booking still
// have to pass verification.
func (d VerificationData) OutstandingGuests() bool {
	return d.VerifiedGuestCount < d.ExpectedGuestCount
}

// Verified is the current guest's face verification result: the explicit
// guest flag when known, otherwise is_verified. A resumed session only
// carries the latter.
func (d VerificationData) Verified() *bool {
	if d.GuestVerified != nil {
		return d.GuestVerified
	}
	return d.IsVerified
}

func (d *VerificationData) ClearCaptures() {
	d.DocumentImage = ""
	d.SelfieImage = ""
}

func Bool(b bool) *bool {
	return &b
}

func Float(f float64) *float64 {
	return &f
}
