package domain

import "fmt"

// Reading is one pulse measurement decoded from a single datagram.
// It is passed by value and never mutated after Decode.
type Reading struct {
	SeqNumber int64 `json:"seqNumber" dynamodbav:"seqNumber"`
	PatientID int64 `json:"patientId" dynamodbav:"patientId"`
	Value     int64 `json:"value" dynamodbav:"value"`
	Timestamp int64 `json:"timestamp" dynamodbav:"timestamp"`
}

// Key identifies a reading in every store. Writing a reading whose Key
// matches an earlier write replaces it.
type Key struct {
	PatientID int64
	SeqNumber int64
}

// Key returns the storage identity of the reading.
func (r Reading) Key() Key {
	return Key{PatientID: r.PatientID, SeqNumber: r.SeqNumber}
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.PatientID, k.SeqNumber)
}

// LogAttrs returns the reading as slog key/value pairs.
func (r Reading) LogAttrs() []any {
	return []any{
		"seq_number", r.SeqNumber,
		"patient_id", r.PatientID,
		"value", r.Value,
		"timestamp", r.Timestamp,
	}
}
