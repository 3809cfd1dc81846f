// Package trap is the single entry point a driver program links
// against. Init installs everything the trap-and-emulate mechanism
// needs and either returns control to the driver (inside the traced
// child) or never returns at all (in the supervisor role, where it
// instead runs the fault-handling loop to completion and exits the
// process).
//
// Global singleton state is deliberate here, not an oversight: a signal
// handler (and, in this design, a re-exec'd child process) cannot
// receive user context by argument, so the device table, the interrupt
// dispatch table, and the driver pid are process-wide state guarded by
// a single package-level instance rather than a registry of instances.
package trap

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"mmiotrap/control"
	"mmiotrap/interrupt"
	"mmiotrap/protect"
	"mmiotrap/registry"
	"mmiotrap/supervisor"
	"mmiotrap/tracer"

	"golang.org/x/sys/unix"
)

// roleEnv names the environment variable this package's own re-exec uses
// to tell a freshly started copy of the binary which half of the
// process split it is playing. Absent or empty means "launcher": the
// process that was exec'd by the operating system or by a shell, before
// trap.Init has run at all.
const roleEnv = "MMIOTRAP_ROLE"

const roleChild = "child"

// Options configures Init. The zero value matches the conservative,
// non-permissive defaults.
type Options struct {
	// Strict selects strict instruction decoding; an unsupported opcode
	// is a fatal decoder-limitation error rather than the legacy 4-byte
	// load fallback. Defaults to false for easier bring-up, but new
	// drivers should set this to true.
	Strict bool

	// PermissiveStartup opts into tolerating an unreachable model
	// channel as a benign zero response. Off by default: see
	// supervisor.Config.PermissiveStartup.
	PermissiveStartup bool

	// Debug enables verbose per-fault logging in the supervisor.
	Debug bool

	// RegistryCapacity overrides registry.Capacity (0 keeps the default).
	RegistryCapacity int
}

type facade struct {
	pid               int
	controlSocketPath string
	registry          *registry.Registry
	windows           map[uint32]protect.Window
	receiver          *interrupt.Receiver
	opts              Options
}

var state *facade

// Init installs the access-violation path and the interrupt notification
// path, and publishes this process's identifier for the model to find.
//
// Called from a plain launcher process (the common case — a driver's
// main simply calls trap.Init() first thing), Init re-execs the current
// binary with roleEnv set, becomes the supervisor for that child, and
// runs the fault-handling loop to completion: once the child is up and
// the control channel is listening, Init does not return in this role,
// and the process exits 0 if the child exited cleanly and 1 on any
// failure (a fatal fault, a transport error, or a non-zero child exit).
// In-process signal-handler register mutation has no safe equivalent in
// pure Go, so the interrupted context lives in a second, ptrace-traced
// process instead.
//
// Called from inside the re-exec'd child (roleEnv already set — the
// driver's main is, from the operating system's point of view, running
// a second copy of the same binary), Init instead performs the child-
// side setup — TraceMe, the interrupt receiver, the publication file —
// and returns normally so the driver's own logic after the Init() call
// executes under protection.
func Init(opts Options) error {
	if os.Getenv(roleEnv) == roleChild {
		return initChild(opts)
	}
	return runAsLauncher(opts)
}

// runAsLauncher forks the traced child, waits for its initial ptrace
// stop, serves the control channel, and runs the supervisor's fault
// loop. It calls os.Exit itself because there's no caller left to return
// a meaningful error to: the launcher process's own copy of the
// driver's main is never going to execute past this call.
func runAsLauncher(opts Options) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("trap: resolving executable path: %w", err)
	}

	cmd := exec.Command(exePath, os.Args[1:]...)
	cmd.Env = append(os.Environ(), roleEnv+"="+roleChild)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("trap: starting traced child: %w", err)
	}
	pid := cmd.Process.Pid

	// The child arms its own tracing via tracer.TraceMe() and immediately
	// raises SIGSTOP on itself (see initChild) — the classic
	// PTRACE_TRACEME-then-stop bootstrap. This Wait4 blocks until that
	// self-stop lands, which is how this process becomes pid's tracer
	// without needing a fork-time flag.
	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		return fmt.Errorf("trap: waiting for child's initial stop: %w", err)
	}

	reg := registry.New(opts.RegistryCapacity)
	modelPaths := make(map[uint32]string)

	controlPath := controlSocketPath(pid)
	os.Remove(controlPath)
	listener, err := net.Listen("unix", controlPath)
	if err != nil {
		return fmt.Errorf("trap: control listener: %w", err)
	}
	defer os.Remove(controlPath)
	defer listener.Close()

	sup := supervisor.New(supervisor.Config{
		ChildPID:          pid,
		Registry:          reg,
		ModelPaths:        modelPaths,
		Strict:            opts.Strict,
		Debug:             opts.Debug,
		PermissiveStartup: opts.PermissiveStartup,
	})

	go control.Serve(listener, sup.ApplyControl)

	runErr := sup.Run()

	exitCode := 0
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr.Error())
		exitCode = 1
	}
	os.Exit(exitCode)
	return nil // unreachable
}

// initChild performs the traced-process half of Init: arming tracing on
// itself, the interrupt receiver, and the publication file.
//
// tracer.TraceMe() must run before any driver code touches a protected
// window, and the subsequent self-delivered SIGSTOP is what the
// launcher's Wait4 in runAsLauncher is blocked on — until the launcher
// sees that stop and resumes this process (supervisor.Run's initial
// DoPtraceCont), execution does not proceed past it.
func initChild(opts Options) error {
	if err := tracer.TraceMe(); err != nil {
		return err
	}
	if err := unix.Kill(os.Getpid(), unix.SIGSTOP); err != nil {
		return fmt.Errorf("trap: raising initial stop: %w", err)
	}

	pid := os.Getpid()
	receiver := interrupt.New(pid)
	receiver.Start()

	if err := publish(pid); err != nil {
		receiver.Stop()
		return err
	}

	state = &facade{
		pid:               pid,
		controlSocketPath: controlSocketPath(pid),
		registry:          registry.New(opts.RegistryCapacity),
		windows:           make(map[uint32]protect.Window),
		receiver:          receiver,
		opts:              opts,
	}
	return nil
}

// RegisterDevice reserves the address window and registers it with both
// the local bookkeeping table (used by Cleanup/UnregisterDevice to
// release reservations) and the supervisor's registry mirror (used to
// resolve faults).
func RegisterDevice(id uint32, base, size uint64, modelPath string) error {
	if state == nil {
		return fmt.Errorf("trap: RegisterDevice called before Init")
	}

	if _, err := state.registry.Register(id, base, size, nil); err != nil {
		return err
	}

	window, err := protect.Reserve(base, size)
	if err != nil {
		state.registry.Unregister(id)
		return err
	}
	state.windows[id] = window

	resp, err := control.Send(state.controlSocketPath, control.Request{
		Op:        control.OpRegisterDevice,
		DeviceID:  id,
		Base:      base,
		Size:      size,
		ModelPath: modelPath,
	})
	if err != nil {
		protect.Release(window)
		state.registry.Unregister(id)
		delete(state.windows, id)
		return fmt.Errorf("trap: registering device %d with supervisor: %w", id, err)
	}
	if !resp.Ok {
		protect.Release(window)
		state.registry.Unregister(id)
		delete(state.windows, id)
		return fmt.Errorf("trap: supervisor rejected device %d: %s", id, resp.Message)
	}
	return nil
}

// UnregisterDevice releases a device's window and removes it from both
// tables, per unregister_device.
func UnregisterDevice(id uint32) error {
	if state == nil {
		return fmt.Errorf("trap: UnregisterDevice called before Init")
	}

	window, ok := state.windows[id]
	if !ok {
		return fmt.Errorf("%w: id %d", registry.ErrNotFound, id)
	}

	if _, err := control.Send(state.controlSocketPath, control.Request{
		Op:       control.OpUnregisterDevice,
		DeviceID: id,
	}); err != nil {
		return fmt.Errorf("trap: unregistering device %d with supervisor: %w", id, err)
	}

	if err := protect.Release(window); err != nil {
		return err
	}
	delete(state.windows, id)
	_, err := state.registry.Unregister(id)
	return err
}

// RegisterInterruptHandler stores callback in the dispatch table slot
// for deviceID, per register_interrupt_handler.
func RegisterInterruptHandler(deviceID uint32, cb interrupt.Callback) error {
	if state == nil {
		return fmt.Errorf("trap: RegisterInterruptHandler called before Init")
	}
	state.receiver.Register(deviceID, cb)
	_, err := control.Send(state.controlSocketPath, control.Request{
		Op:       control.OpRegisterInterrupt,
		DeviceID: deviceID,
	})
	return err
}

// Cleanup releases every registered device's reservation, empties the
// registry, and removes the publication file. Signal handlers are left
// installed.
func Cleanup() error {
	if state == nil {
		return nil
	}
	for id, window := range state.windows {
		protect.Release(window)
		delete(state.windows, id)
	}
	state.registry.Reset()
	os.Remove(publicationPath(state.pid))
	return nil
}

func publicationPath(pid int) string {
	return fmt.Sprintf("/tmp/interface_driver_%d", pid)
}

func publish(pid int) error {
	return os.WriteFile(publicationPath(pid), []byte(strconv.Itoa(pid)), 0o600)
}

func controlSocketPath(childPID int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("mmiotrap_control_%d.sock", childPID))
}
