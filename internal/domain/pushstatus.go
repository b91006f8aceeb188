package domain

// The legacy schema stores a record's push progress in one overloaded
// integer column:
//
//	null       not yet evaluated for push
//	> 0        epoch-millis of the successful push (terminal)
//	(-9, 0]    retry countdown, decremented one per sweep pass
//	<= -999    abandoned big file, excluded from the normal retry scan
//
// PushStatus is the typed view of that column. Domain code works with
// the tagged form; the integer encoding appears only at the storage
// boundary (Encode/DecodePushStatus) for schema compatibility.

// PushState enumerates the push-status families.
type PushState int

const (
	// StateNotEvaluated means the record has not been considered for push.
	StateNotEvaluated PushState = iota
	// StatePushed means the record was published; terminal.
	StatePushed
	// StateRetryCountdown means the record is inside the open retry
	// window and will be re-injected by the periodic sweep.
	StateRetryCountdown
	// StateAbandoned means the attachment repeatedly exceeded the stall
	// timeout; terminal for the normal retry path, only the low-frequency
	// big-file sweep picks it up.
	StateAbandoned
)

// RetryWindow is how many sweep passes a record may spend in
// StateRetryCountdown before falling out of the open window.
const RetryWindow = 9

// abandonedSentinel is the legacy encoding of StateAbandoned.
const abandonedSentinel = -999

// PushStatus is the decoded push progress of a Record.
type PushStatus struct {
	State PushState
	// PushedAt is the publish timestamp in epoch millis; set only when
	// State is StatePushed.
	PushedAt int64
	// Countdown is the number of sweep passes consumed so far; set only
	// when State is StateRetryCountdown, in [0, RetryWindow].
	Countdown int
}

// Terminal reports whether the status can never change again through the
// normal pipeline (pushed or abandoned).
func (s PushStatus) Terminal() bool {
	return s.State == StatePushed || s.State == StateAbandoned
}

// Encode renders the status into the legacy integer column value.
func (s PushStatus) Encode() *int64 {
	switch s.State {
	case StateNotEvaluated:
		return nil
	case StatePushed:
		v := s.PushedAt
		return &v
	case StateAbandoned:
		v := int64(abandonedSentinel)
		return &v
	default:
		v := -int64(s.Countdown)
		return &v
	}
}

// DecodePushStatus interprets the legacy integer column value.
func DecodePushStatus(v *int64) PushStatus {
	switch {
	case v == nil:
		return PushStatus{State: StateNotEvaluated}
	case *v > 0:
		return PushStatus{State: StatePushed, PushedAt: *v}
	case *v <= abandonedSentinel:
		return PushStatus{State: StateAbandoned}
	default:
		return PushStatus{State: StateRetryCountdown, Countdown: int(-*v)}
	}
}

// PushStatus decodes the record's legacy column.
func (r *Record) PushStatus() PushStatus { return DecodePushStatus(r.PushAt) }

// SetPushStatus encodes the status into the record, refusing transitions
// out of a terminal state: once pushed or abandoned a record never moves
// to any other value.
func (r *Record) SetPushStatus(s PushStatus) bool {
	if r.PushStatus().Terminal() {
		return false
	}
	r.PushAt = s.Encode()
	return true
}
