package models

import "strings"

type FlowType string

const (
	FlowGuest   FlowType = "guest"
	FlowVisitor FlowType = "visitor"
)

// ParseFlowType accepts the query/server spelling of a flow type. Anything
// that is not recognised reports ok == false.
func ParseFlowType(s string) (FlowType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(FlowGuest):
		return FlowGuest, true
	case string(FlowVisitor):
		return FlowVisitor, true
	default:
		return "", false
	}
}

// FlowTypeOrGuest maps anything other than "visitor" to the guest flow.
func FlowTypeOrGuest(s string) FlowType {
	if f, ok := ParseFlowType(s); ok {
		return f
	}
	return FlowGuest
}

func (f FlowType) IsVisitor() bool {
	return f == FlowVisitor
}
