package scenario

import "errors"

// ErrRunNotFound indicates the referenced run is not in the engine's
// registry.
var ErrRunNotFound = errors.New("run not found")

// ErrUnknownSymbol indicates a step referenced a contract name no prior
// deploy or label defined, or one a revert or fork discarded.
var ErrUnknownSymbol = errors.New("unknown symbol")
