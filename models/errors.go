package models

import "fmt"

// ValidationError reports a malformed move payload. The offending record is
// dropped; it never aborts the stream it came from.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid move: " + e.Reason
	}
	return fmt.Sprintf("invalid move: %s %s", e.Field, e.Reason)
}

// ValidateCoordinate checks that v is inside [0, CoordinateLimit).
func ValidateCoordinate(field string, v int) error {
	if v < 0 || v >= CoordinateLimit {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("out of range [0, %d): %d", CoordinateLimit, v)}
	}
	return nil
}

// Validate checks an outgoing or relayed move payload.
func (p MovePayload) Validate() error {
	if p.PlayerID == "" {
		return &ValidationError{Field: "playerId", Reason: "is required"}
	}
	if err := ValidateCoordinate("x", p.X); err != nil {
		return err
	}
	return ValidateCoordinate("y", p.Y)
}
