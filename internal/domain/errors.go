package domain

import (
	"fmt"
	"strings"
)

// DecodeError reports a datagram that could not be turned into a Reading.
// SeqNumber and PatientID are set when those fields parsed before the failure.
type DecodeError struct {
	Length    int
	Reason    string
	SeqNumber *int64
	PatientID *int64
	Err       error
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "decode reading (%d bytes): %s", e.Length, e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// LogAttrs returns the payload length and any partially decoded identity.
func (e *DecodeError) LogAttrs() []any {
	attrs := []any{"payload_len", e.Length, "reason", e.Reason}
	if e.SeqNumber != nil {
		attrs = append(attrs, "seq_number", *e.SeqNumber)
	}
	if e.PatientID != nil {
		attrs = append(attrs, "patient_id", *e.PatientID)
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}
	return attrs
}

// PersistError reports a failed sink write. The reading is lost; there is no retry.
type PersistError struct {
	Backend string
	Key     Key
	Err     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist reading %s to %s: %v", e.Key, e.Backend, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// StartupError is fatal: the process must not begin serving.
type StartupError struct {
	Setting string
	Err     error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup: %s: %v", e.Setting, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
