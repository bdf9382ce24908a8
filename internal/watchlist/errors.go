package watchlist

import "errors"

var (
	ErrParameterInvalid = errors.New("watchlist: parameter invalid")
	ErrNotFound         = errors.New("watchlist: stream not found")
	ErrRequestTimeout   = errors.New("watchlist: request timeout")
	ErrStreamClosed     = errors.New("watchlist: stream closed by provider")
)
