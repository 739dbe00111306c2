package instantiate

import (
	"fmt"

	"wasmkernel/addr"
	"wasmkernel/kernel/errs"
	"wasmkernel/klog"
	"wasmkernel/thread"
	"wasmkernel/wasmenv"
)

// resolveImport maps a wasm import declaration to a host function
// address for th: "os" is a single fixed test shim,
// "wasi_snapshot_preview1" is the minimal WASI surface this kernel
// implements, and anything else is refused.
func resolveImport(th *thread.Thread, imp wasmenv.Import) (addr.VirtAddr, error) {
	switch imp.Module {
	case "os":
		return hostAddr(osTestShim), nil
	case "wasi_snapshot_preview1":
		switch imp.Field {
		case "environ_sizes_get":
			return hostAddr(wasiEnvironSizesGet), nil
		case "environ_get":
			return hostAddr(wasiEnvironGet), nil
		case "fd_write":
			return hostAddr(wasiFdWrite), nil
		case "proc_exit":
			return hostAddr(procExitShim(th)), nil
		default:
			return 0, errs.New(errs.UnsupportedImport, fmt.Sprintf("wasi_snapshot_preview1.%s is not implemented", imp.Field))
		}
	default:
		return 0, errs.New(errs.UnsupportedImport, fmt.Sprintf("import module %q is not supported", imp.Module))
	}
}

// The functions below are the host side of this substrate's fixed import
// table. Like the runtime intrinsics in hostRuntimeAddresses, their
// addresses are real (obtained via reflect), but nothing in this
// repository actually jumps to them: a genuine call would arrive from
// hand-emitted System V-convention machine code, and bridging that into a
// callable Go entry point is the scheduler/execution layer's concern,
// outside this module. Their bodies are written as if they will one day
// be reached.

func osTestShim(vmctxPtr uintptr, arg int32) int32 {
	return arg
}

func wasiEnvironSizesGet(vmctxPtr uintptr, countPtr, bufSizePtr uint32) int32 {
	return 0
}

func wasiEnvironGet(vmctxPtr uintptr, environPtr, bufPtr uint32) int32 {
	return 0
}

func wasiFdWrite(vmctxPtr uintptr, fd int32, iovsPtr uint32, iovsLen int32, nwrittenPtr uint32) int32 {
	klog.Infof("wasi fd_write: fd=%d iovs_len=%d", fd, iovsLen)
	return 0
}

// procExitShim binds proc_exit to the thread being instantiated: the shim
// marks th exited with the supplied code and then returns to its caller.
// It does not switch the scheduler out of th, so the invoking thread
// continues past the call.
func procExitShim(th *thread.Thread) func(vmctxPtr uintptr, code int32) {
	return func(vmctxPtr uintptr, code int32) {
		klog.Infof("wasi proc_exit: thread=%d code=%d", th.Id(), code)
		th.SetStatus(thread.ExitStatus(uint32(code)))
	}
}
