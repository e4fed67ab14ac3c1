// Package domain models pulse telemetry readings and their classification.
//
// # Wire Format
//
// Each UDP datagram carries one reading as a UTF-8 JSON object:
//
//	{"seqNumber":1,"patientId":42,"value":215,"timestamp":1000}
//
// All four fields are required integers. Unknown fields are ignored so that
// producers can add metadata without breaking the receiver. Anything else
// (invalid UTF-8, truncated JSON, missing or non-integer fields) is a
// [DecodeError] and the datagram is dropped.
//
// Only the first n bytes of the receive buffer are meaningful; see [Decode].
//
// # Severity Classification
//
// [Classify] maps a pulse value onto five levels using four thresholds. The
// checks run in a fixed order and the first match wins:
//
//	value > CriticalHigh  -> CRITICAL_HIGH
//	value < CriticalLow   -> CRITICAL_LOW
//	value > WarnHigh      -> WARNING_HIGH
//	value < WarnLow       -> WARNING_LOW
//	otherwise             -> NORMAL
//
// The defaults (210, 40, 180, 55 beats per minute) satisfy
// CriticalLow < WarnLow <= WarnHigh < CriticalHigh. Other threshold sets are
// accepted as-is; critical checks always take precedence.
//
// # Identity
//
// Stores key readings by (patientId, seqNumber). Sequence numbers are not
// deduplicated, so a repeated pair simply overwrites the earlier record.
package domain
