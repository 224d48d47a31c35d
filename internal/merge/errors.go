package merge

import "errors"

// ErrorKind names the failure classes a merge run can end in. The scheduler
// records the kind in the job row; the HTTP layer maps kinds to status codes.
type ErrorKind string

const (
	KindConfiguration       ErrorKind = "ConfigurationError"
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	KindDownloadTimeout     ErrorKind = "DownloadTimeout"
	KindParse               ErrorKind = "ParseError"
	KindMergeTimeout        ErrorKind = "MergeTimeout"
	KindBusy                ErrorKind = "BusyError"
)

// Error is the failure of one merge run.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return string(e.Kind) + ": " + e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return string(e.Kind) + ": " + e.Msg
	case e.Err != nil:
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func wrapErr(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the merge error kind, if err carries one.
func KindOf(err error) (ErrorKind, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind, true
	}
	return "", false
}
