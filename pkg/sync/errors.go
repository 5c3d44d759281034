package sync

import "errors"

// ErrIntegrity reports that assembled content failed hash verification.
// No bytes are ever returned alongside it.
var ErrIntegrity = errors.New("integrity check failed")
