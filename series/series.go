// Package series implements the incremental stair-step time series used for
// room member counts. A series is a stepwise-constant function stored as
// paired timestamp/value sequences; recording collapses runs of identical
// observations so that a plateau of any length occupies at most two points
// (first-seen and last-seen) while every value change is kept exactly once.
package series

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInconsistent reports a timestamp/value length mismatch. This can only
// happen through external corruption of a status file and is treated as
// unrecoverable by callers.
var ErrInconsistent = errors.New("series: timestamp and value counts differ")

// Series holds parallel, equally sized timestamp and value sequences.
// Timestamps are RFC 3339 strings; ordering is by insertion, which for a
// single collector is chronological.
type Series struct {
	Times  []string
	Values []int
}

// Record folds one observation into the series.
//
// If the series already holds at least two points and both most recent values
// equal v, the value is a continuing plateau: the last timestamp is moved
// forward to t and no point is added. Otherwise (t, v) is appended. A run of
// N equal observations therefore stores at most two points, and the stored
// pairs make interval boundaries explicit so consumers never need to know the
// polling cadence.
func (s *Series) Record(t string, v int) error {
	if len(s.Times) != len(s.Values) {
		return fmt.Errorf("%w: %d timestamps, %d values", ErrInconsistent, len(s.Times), len(s.Values))
	}
	n := len(s.Values)
	if n > 1 && v == s.Values[n-1] && v == s.Values[n-2] {
		s.Times[n-1] = t
		return nil
	}
	s.Times = append(s.Times, t)
	s.Values = append(s.Values, v)
	return nil
}

// Len returns the number of stored points.
func (s *Series) Len() int { return len(s.Values) }

// Last returns the most recent value, or 0 for an empty series.
func (s *Series) Last() int {
	if len(s.Values) == 0 {
		return 0
	}
	return s.Values[len(s.Values)-1]
}

// MarshalJSON encodes the series in the on-disk paired-array form
// [[t0,t1,...],[v0,v1,...]].
func (s Series) MarshalJSON() ([]byte, error) {
	if len(s.Times) != len(s.Values) {
		return nil, fmt.Errorf("%w: %d timestamps, %d values", ErrInconsistent, len(s.Times), len(s.Values))
	}
	times := s.Times
	if times == nil {
		times = []string{}
	}
	values := s.Values
	if values == nil {
		values = []int{}
	}
	return json.Marshal([2]any{times, values})
}

// UnmarshalJSON decodes the paired-array form. A pair with differing lengths
// is rejected so corruption is caught at load time rather than mid-run.
func (s *Series) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("series: decode count pair: %w", err)
	}
	var times []string
	var values []int
	if raw[0] != nil {
		if err := json.Unmarshal(raw[0], &times); err != nil {
			return fmt.Errorf("series: decode timestamps: %w", err)
		}
	}
	if raw[1] != nil {
		if err := json.Unmarshal(raw[1], &values); err != nil {
			return fmt.Errorf("series: decode values: %w", err)
		}
	}
	if len(times) != len(values) {
		return fmt.Errorf("%w: %d timestamps, %d values", ErrInconsistent, len(times), len(values))
	}
	s.Times = times
	s.Values = values
	return nil
}
