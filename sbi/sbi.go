// Package sbi implements the narrow SBI (Supervisor Binary Interface)
// call surface this hypervisor's firmware exposes to the guest kernel:
// legacy console output, and enough of the base/timer extensions to
// satisfy a guest's probing without actually virtualizing them.
package sbi

import (
	"fmt"
	"log"
	"sync"
)

// Extension/function IDs named after the SBI spec's legacy extension
// numbers. FnBaseImplID and FnBaseImplVersion are named here but not
// handled: Call panics on them like on any other unrecognized ID.
const (
	ExtSetTimer       = 0x00
	ExtConsolePutchar = 0x01
	ExtConsoleGetchar = 0x02
	ExtBase           = 0x10

	FnBaseSpecVersion    = 0x0
	FnBaseImplID         = 0x1
	FnBaseImplVersion    = 0x2
	FnBaseProbeExtension = 0x3
	FnBaseGetMvendorID   = 0x4
	FnBaseGetMarchID     = 0x5
	FnBaseGetMimpID      = 0x6
)

// Result is the (error, value) pair an SBI call resolves to, mirroring
// the eid/fid dispatch table's Ok(value)/Err(code) outcomes.
type Result struct {
	Value uint64
	Err   int64 // 0 on success; SBI_ERR_* style negative code otherwise
}

// Console buffers guest console-putchar bytes and flushes a full line
// to the host log on '\n', the same buffer-until-newline behavior the
// firmware's SBI putchar handler implements, generalized from the
// byte-at-a-time register emulation a 16550 UART model would use.
type Console struct {
	mu  sync.Mutex
	buf []byte
	out func(line string)
}

// NewConsole creates a Console that flushes completed lines through
// out. If out is nil, lines are written via log.Printf("[guest] %s").
func NewConsole(out func(line string)) *Console {
	if out == nil {
		out = func(line string) { log.Printf("[guest] %s", line) }
	}
	return &Console{out: out}
}

// Putchar buffers ch; on '\n' the accumulated line (without the
// newline) is flushed and the buffer is reset.
func (c *Console) Putchar(ch byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch == '\n' {
		c.out(string(c.buf))
		c.buf = c.buf[:0]
		return
	}
	c.buf = append(c.buf, ch)
}

// FrontEnd is the SBI call dispatcher: it owns the Console and
// resolves (extension ID, function ID, a0) to a Result per the
// narrow call subset this hypervisor supports.
type FrontEnd struct {
	Console *Console
}

// New creates an SBI front end writing console output to out (see
// NewConsole).
func New(out func(line string)) *FrontEnd {
	return &FrontEnd{Console: NewConsole(out)}
}

// Call dispatches one ecall trapped from VS-mode, given the guest's a6
// (function ID), a7 (extension ID), and a0 (first argument).
func (f *FrontEnd) Call(extensionID, functionID uint64, a0 uint64) Result {
	switch extensionID {
	case ExtSetTimer:
		// Timer virtualization is out of scope; acknowledge and no-op.
		return Result{Value: 0, Err: 0}

	case ExtConsolePutchar:
		f.Console.Putchar(byte(a0))
		return Result{Value: 0, Err: 0}

	case ExtConsoleGetchar:
		// No guest console input is modelled; always report "no byte".
		return Result{Err: -1}

	case ExtBase:
		switch functionID {
		case FnBaseSpecVersion:
			return Result{Value: 0, Err: 0}
		case FnBaseProbeExtension:
			return Result{Err: -1}
		case FnBaseGetMvendorID, FnBaseGetMarchID, FnBaseGetMimpID:
			return Result{Value: 0, Err: 0}
		default:
			panic(fmt.Sprintf("sbi: unhandled SBI call eid=0x%x fid=0x%x", extensionID, functionID))
		}

	default:
		panic(fmt.Sprintf("sbi: unhandled SBI call eid=0x%x fid=0x%x", extensionID, functionID))
	}
}
