package derivation

import "errors"

// ErrCyclicReference is returned by Modulo.Hash when a derivation's
// InputDrvs graph loops back on itself. Such a graph has no valid
// hash-modulo digest, since computing one input's digest would require
// already knowing it.
var ErrCyclicReference = errors.New("derivation: cyclic derivation graph")
