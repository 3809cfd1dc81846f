// Package supervisor owns the traced child's lifecycle from the parent
// side: the ptrace Wait4 loop, a registry mirror kept current over the
// control channel, and the decode-roundtrip-writeback-resume sequence
// that handles each access violation.
//
// In-process signal handlers cannot safely mutate another thread's
// interrupted register context from pure Go, so this package plays that
// role from a second process instead: it ptrace-attaches (via TraceMe
// from the child) to the driver, and every SIGSEGV the driver raises
// against a protected window arrives here as a ptrace stop rather than
// as a signal delivered to the driver itself.
package supervisor

import (
	"errors"
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"mmiotrap/channel"
	"mmiotrap/control"
	"mmiotrap/decode"
	"mmiotrap/registry"
	"mmiotrap/tracer"
)

// Config configures one Supervisor instance.
type Config struct {
	// ChildPID is the pid of the traced child (the driver process),
	// already stopped via PTRACE_TRACEME + its own initial SIGSTOP.
	ChildPID int

	// Registry mirrors the child's device table; the supervisor consults
	// it to resolve fault addresses to model endpoints without needing a
	// synchronous call back into the child on every fault.
	Registry *registry.Registry

	// ModelPaths maps a device id to the unix-socket path of its model
	// process, populated as devices are registered over the control
	// channel.
	ModelPaths map[uint32]string

	// Strict selects strict instruction decoding (see decode.Decode).
	Strict bool

	// Debug enables verbose per-fault logging.
	Debug bool

	// PermissiveStartup opts into treating an unreachable model channel
	// as a benign zero response instead of a fatal transport error. Off
	// by default: always-on leniency here would mask real bugs, so
	// callers must ask for it explicitly.
	PermissiveStartup bool
}

// Supervisor runs the fault loop for one traced child.
type Supervisor struct {
	cfg Config
}

// New constructs a Supervisor for cfg.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// ErrFatalFault is returned by Run when the driver touched an address
// outside every registered window: a genuine bad access, fatal and not
// recoverable.
type ErrFatalFault struct {
	Addr uint64
}

func (e ErrFatalFault) Error() string {
	return fmt.Sprintf("supervisor: fatal fault at 0x%x: no device registered for this address", e.Addr)
}

// Run drives the ptrace Wait4 loop until the child exits or a fatal
// fault occurs: wait for a stop, classify it, act, resume.
func (s *Supervisor) Run() error {
	pid := s.cfg.ChildPID

	if err := tracer.DoPtraceSetOptions(pid); err != nil {
		return err
	}
	if err := tracer.DoPtraceCont(pid, 0); err != nil {
		return err
	}

	var status unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &status, 0, nil)
		if err != nil {
			return fmt.Errorf("supervisor: wait4: %w", err)
		}
		if wpid != pid {
			continue
		}

		if status.Exited() {
			if status.ExitStatus() != 0 {
				return fmt.Errorf("supervisor: child exited with status %d", status.ExitStatus())
			}
			return nil
		}
		if status.Signaled() {
			return fmt.Errorf("supervisor: child killed by signal %v", status.Signal())
		}
		if !status.Stopped() {
			continue
		}

		sig := status.StopSignal()
		if sig != unix.SIGSEGV && sig != unix.SIGBUS {
			// Not a fault we handle — pass the signal through unmodified,
			// mirroring ptrace's default transparent-forwarding behavior.
			if err := tracer.DoPtraceCont(pid, int(sig)); err != nil {
				return err
			}
			continue
		}

		if err := s.handleFault(pid); err != nil {
			return err
		}
		if err := tracer.DoPtraceCont(pid, 0); err != nil {
			return err
		}
	}
}

// handleFault resolves the device, decodes the instruction, round-trips
// through the model, writes the result back, and advances the
// instruction pointer.
func (s *Supervisor) handleFault(pid int) error {
	_, faultAddr, err := tracer.DoPtraceGetSigInfo(pid)
	if err != nil {
		return err
	}

	device, ok := s.cfg.Registry.FindByAddr(faultAddr)
	if !ok {
		fmt.Fprintf(os.Stderr, "supervisor: fatal fault at 0x%x: no device registered for this address\n", faultAddr)
		return ErrFatalFault{Addr: faultAddr}
	}

	regs, err := tracer.DoPtraceGetRegs(pid)
	if err != nil {
		return err
	}

	code := make([]byte, 16)
	if err := tracer.DoPtracePeekText(pid, uintptr(tracer.InstructionPointer(regs)), code); err != nil {
		return fmt.Errorf("supervisor: reading faulting instruction: %w", err)
	}

	access, err := decode.Decode(code, s.cfg.Strict)
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	req := channel.Record{
		DeviceID: device.ID,
		Address:  uint32(faultAddr),
		Length:   uint32(access.Width),
	}
	if access.Direction == decode.Store {
		req.Command = channel.Write
		if access.HasImmediate {
			req.Data = access.Immediate
		} else {
			req.Data = tracer.RegisterValue(regs, access.RegField, access.Width)
		}
	} else {
		req.Command = channel.Read
	}

	if s.cfg.Debug {
		log.Printf("supervisor: fault device=%d addr=0x%x cmd=%s len=%d", device.ID, faultAddr, req.Command, req.Length)
	}

	modelPath := s.cfg.ModelPaths[device.ID]
	resp, err := channel.Send(modelPath, req)
	if err != nil {
		if !errors.Is(err, channel.ErrUnreachable) {
			return fmt.Errorf("supervisor: model transport failure for device %d: %w", device.ID, err)
		}
		if !s.cfg.PermissiveStartup {
			return fmt.Errorf("supervisor: model unreachable for device %d and permissive startup is disabled: %w", device.ID, err)
		}
		// Tolerated liveness concession, opt-in only (PermissiveStartup):
		// synthesize a benign zero response so a driver can boot before
		// the model is up.
		resp = channel.Record{Result: 0, Data: 0}
	} else if resp.Result != 0 {
		return fmt.Errorf("supervisor: model reported failure for device %d: result=%d", device.ID, resp.Result)
	}

	if access.Direction == decode.Load {
		tracer.SetRegisterValue(regs, access.RegField, access.Width, resp.Data)
	}
	tracer.AdvanceInstructionPointer(regs, access.Length)

	return tracer.DoPtraceSetRegs(pid, regs)
}

// ApplyControl mutates the Registry/ModelPaths per one control-channel
// request, implementing the supervisor side of register_device /
// unregister_device / register_interrupt_handler. Interrupt
// registration doesn't touch supervisor state (the dispatch table lives
// in the child's own interrupt.Receiver), so OpRegisterInterrupt is
// acknowledged without effect here.
func (s *Supervisor) ApplyControl(req control.Request) control.Response {
	switch req.Op {
	case control.OpRegisterDevice:
		if _, err := s.cfg.Registry.Register(req.DeviceID, req.Base, req.Size, nil); err != nil {
			return control.Response{Ok: false, Message: err.Error()}
		}
		s.cfg.ModelPaths[req.DeviceID] = req.ModelPath
		return control.Response{Ok: true}
	case control.OpUnregisterDevice:
		if _, err := s.cfg.Registry.Unregister(req.DeviceID); err != nil {
			return control.Response{Ok: false, Message: err.Error()}
		}
		delete(s.cfg.ModelPaths, req.DeviceID)
		return control.Response{Ok: true}
	case control.OpRegisterInterrupt:
		return control.Response{Ok: true}
	default:
		return control.Response{Ok: false, Message: "supervisor: unknown control op"}
	}
}
