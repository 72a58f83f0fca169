package engine

import "errors"

// ErrNotFound is returned by GetWithProof for a key with no live value;
// GetHistory reports an unknown key with version.ErrKeyNotFound. Plain
// Get/GetAtTime report "not found" via a bool instead,
// matching spec.md §7's "NotFound ... not an error condition internally".
var ErrNotFound = errors.New("engine: key not found")

// ErrClosed is returned by every operation once Close has been called.
var ErrClosed = errors.New("engine: engine is closed")

// errEmptyKey guards the reserved empty-key sentinel (spec.md §3: "Empty
// key reserved as a sentinel in C1 and forbidden elsewhere").
var errEmptyKey = errors.New("engine: empty key is not permitted")

// errRootHashMismatch is returned by Open when the loaded merkle snapshot's
// root does not match the root recorded in the engine metadata file — a
// cross-component invariant spec.md §7 treats as strict: open aborts
// rather than silently picking one side.
var errRootHashMismatch = errors.New("engine: merkle snapshot root does not match engine metadata")
