package mut

import "github.com/pkg/errors"

// Error kinds surfaced by this package. Callers compare with errors.Is;
// the CLI prints err.Error() (whose text ends with the kind's message) and
// exits 1 without distinguishing kinds.
var (
	// ErrIO covers any failure to read the input file or write the output.
	ErrIO = errors.New("io error")

	// ErrParse covers a file that isn't a well-formed PE, or whose
	// directories can't be located.
	ErrParse = errors.New("parse error")

	// ErrDecode covers an unrecognized or truncated x86 opcode.
	ErrDecode = errors.New("decode error")

	// ErrGraph covers a branch target landing inside an instruction body,
	// or an entry point that isn't at an instruction boundary.
	ErrGraph = errors.New("graph error")

	// ErrFixup covers a pointer in a critical table (export, SafeSEH, TLS)
	// that doesn't map to any instruction head.
	ErrFixup = errors.New("fixup error")
)
