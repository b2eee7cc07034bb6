package report

import "errors"

// Report error codes. Callers distinguish failures by these values.
const (
	CodeNoData             = "no_data"
	CodeInvalidDates       = "invalid_dates"
	CodeInvalidRange       = "invalid_range"
	CodeOutOfBounds        = "out_of_bounds"
	CodeInvalidGranularity = "invalid_granularity"
	CodeNoStations         = "no_stations"
)

// Error is a named report failure.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code string, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf returns the code of a report error anywhere in err's chain, or ""
// for other errors.
func CodeOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
