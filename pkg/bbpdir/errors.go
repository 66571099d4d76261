package bbpdir

import "errors"

// ErrCorruptDirectory marks a BBP.dir that fails header or per-entry
// validation: bad version, id overflow, or a line that doesn't match
// the pinned grammar. Fatal at startup per spec.md section 7.
var ErrCorruptDirectory = errors.New("bbpdir: malformed directory")
