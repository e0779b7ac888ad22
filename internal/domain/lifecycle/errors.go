package lifecycle

import "errors"

var errPanicked = errors.New("advance panicked")
