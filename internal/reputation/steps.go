package reputation

import "RelayVerify/internal/credibility"

const (
	// SuccessStep scales the reward of trusted validators.
	SuccessStep = 100

	// DoEvilStep scales the penalty of untrusted validators.
	DoEvilStep = 200

	// ExceptionStep scales the penalty of validators in a rejected round.
	ExceptionStep = 100

	// weightScale is the denominator of group weights.
	weightScale = 10000
)

const (
	lowest  = int64(credibility.Min)
	highest = int64(credibility.Max)
	mid     = int64(credibility.Mid)
	span    = int64(credibility.Range)
)

// Trusted returns the raised score of a validator that backed the accepted message.
// The step shrinks as s approaches either bound.
func Trusted(s uint32) int64 {
	v := int64(s)
	if v < mid {
		return v + SuccessStep*(v-lowest)/span
	}

	return v + SuccessStep*(highest-v)/span
}

// Untrusted returns the lowered score of a validator that backed a losing message.
func Untrusted(s uint32) int64 {
	v := int64(s)
	return v - DoEvilStep*(v-lowest)/span
}

// Exception returns the lowered score of a validator in a rejected round whose
// group carried weight w out of 10000.
func Exception(s, w uint32) int64 {
	v := int64(s)

	weight := int64(w)
	if weight > weightScale {
		weight = weightScale
	}

	return v - ExceptionStep*(v-lowest)/span*(weightScale-weight)/weightScale
}
