package wizard

// Progress is the "guest N of M" indicator.
type Progress struct {
	Current int  `json:"current"`
	Total   int  `json:"total"`
	Visible bool `json:"visible"`
}

// GuestProgress is only shown for bookings with two or more occupants.
func GuestProgress(verified, expected int) Progress {
	current := verified + 1
	if current > expected {
		current = expected
	}
	return Progress{
		Current: current,
		Total:   expected,
		Visible: expected >= 2,
	}
}
