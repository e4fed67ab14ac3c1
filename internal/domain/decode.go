package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Wire field names.
const (
	FieldSeqNumber = "seqNumber"
	FieldPatientID = "patientId"
	FieldValue     = "value"
	FieldTimestamp = "timestamp"
)

// Decode parses buf[:n] into a Reading. Bytes past n belong to earlier,
// longer datagrams and are never read. Any failure is a *DecodeError.
func Decode(buf []byte, n int) (Reading, error) {
	if n < 0 {
		n = 0
	}
	if n > len(buf) {
		n = len(buf)
	}
	payload := buf[:n]

	if !utf8.Valid(payload) {
		return Reading{}, &DecodeError{Length: n, Reason: "payload is not valid UTF-8"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Reading{}, &DecodeError{Length: n, Reason: "malformed JSON object", Err: err}
	}
	if fields == nil {
		return Reading{}, &DecodeError{Length: n, Reason: "payload is not a JSON object"}
	}

	derr := &DecodeError{Length: n}

	// Identity fields first so a later failure can still report them.
	seq, err := intField(fields, FieldSeqNumber)
	if err == nil {
		derr.SeqNumber = &seq
	}
	patient, perr := intField(fields, FieldPatientID)
	if perr == nil {
		derr.PatientID = &patient
	}
	if err != nil {
		return Reading{}, fail(derr, err)
	}
	if perr != nil {
		return Reading{}, fail(derr, perr)
	}

	value, err := intField(fields, FieldValue)
	if err != nil {
		return Reading{}, fail(derr, err)
	}
	ts, err := intField(fields, FieldTimestamp)
	if err != nil {
		return Reading{}, fail(derr, err)
	}

	return Reading{SeqNumber: seq, PatientID: patient, Value: value, Timestamp: ts}, nil
}

// Encode renders a Reading in the wire format accepted by Decode.
func Encode(r Reading) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reading: %w", err)
	}
	return data, nil
}

type fieldError struct {
	field  string
	reason string
	err    error
}

func (e *fieldError) Error() string { return e.field + ": " + e.reason }

func fail(derr *DecodeError, err error) *DecodeError {
	var fe *fieldError
	if errors.As(err, &fe) {
		derr.Reason = fmt.Sprintf("field %q %s", fe.field, fe.reason)
		derr.Err = fe.err
		return derr
	}
	derr.Reason = "invalid field"
	derr.Err = err
	return derr
}

func intField(fields map[string]json.RawMessage, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, &fieldError{field: name, reason: "is missing"}
	}
	// json.Unmarshal leaves the target untouched for null, so reject it explicitly.
	if string(raw) == "null" {
		return 0, &fieldError{field: name, reason: "is null"}
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, &fieldError{field: name, reason: "is not an integer", err: err}
	}
	return v, nil
}
