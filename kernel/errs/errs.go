// Package errs defines the kernel's recoverable error kinds: a typed
// code enum wrapped so it satisfies Go's error interface and composes
// with errors.Is from ordinary calling code.
package errs

// Err_t enumerates the recoverable error kinds the compile/instantiate
// pipeline can surface to the caller of Run.
type Err_t int

const (
	// OK is the zero value: no error.
	OK Err_t = iota
	// OutOfMemory means no physical frames remain, or no virtual range of
	// the requested size is available.
	OutOfMemory
	// InvalidRange means a requested heap or code range exceeds
	// reservation ceilings.
	InvalidRange
	// AlreadyMapped means a 4 KiB page was requested over an
	// already-present leaf.
	AlreadyMapped
	// WasmError means the module failed to parse or validate.
	WasmError
	// CodegenError means the compiler refused a function.
	CodegenError
	// NoStart means no start function is declared and no _start is
	// exported.
	NoStart
	// UnsupportedImport means a relocation target kind or import
	// (module, field) is not implemented.
	UnsupportedImport
)

func (e Err_t) String() string {
	switch e {
	case OK:
		return "ok"
	case OutOfMemory:
		return "out of memory"
	case InvalidRange:
		return "invalid range"
	case AlreadyMapped:
		return "already mapped"
	case WasmError:
		return "wasm error"
	case CodegenError:
		return "codegen error"
	case NoStart:
		return "no start function"
	case UnsupportedImport:
		return "unsupported import"
	default:
		return "unknown error"
	}
}

// KernelError pairs an Err_t with a free-form detail message recorded at
// the point of failure. It implements the error interface so it composes
// with errors.Is/errors.As and fmt.Errorf("%w", ...).
type KernelError struct {
	Kind   Err_t
	Detail string
}

func (e *KernelError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

// Is lets errors.Is(err, errs.Wrap(errs.OutOfMemory)) work by comparing
// Err_t kinds: any *KernelError target with the same Kind matches,
// whatever its Detail.
func (e *KernelError) Is(target error) bool {
	if ke, ok := target.(*KernelError); ok {
		return e.Kind == ke.Kind
	}
	return false
}

// New builds a KernelError of the given kind with a formatted detail.
func New(kind Err_t, detail string) *KernelError {
	return &KernelError{Kind: kind, Detail: detail}
}

// Wrap is a convenience for New with no detail, for return sites where
// no extra context is useful.
func Wrap(kind Err_t) *KernelError {
	return &KernelError{Kind: kind}
}

// KindOf extracts the Err_t from err if it is a *KernelError, and
// UnsupportedImport if not (never returns OK for a non-nil, non-KernelError
// error, since callers use this to classify foreign errors conservatively).
func KindOf(err error) Err_t {
	if err == nil {
		return OK
	}
	if ke, ok := err.(*KernelError); ok {
		return ke.Kind
	}
	return UnsupportedImport
}
