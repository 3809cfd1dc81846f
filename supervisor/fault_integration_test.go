//go:build linux && amd64

package supervisor

// fault_integration_test.go exercises handleFault against a real traced
// child instead of calling it directly: it re-execs this test binary as a
// subprocess-helper process (the same pattern os/exec's own tests use for
// anything that needs a second real process), has that child arm its own
// tracing with PTRACE_TRACEME and raise its initial SIGSTOP, and then runs
// a real Supervisor against it exactly as trap.runAsLauncher does.
//
// The child performs a store and a load against a reserved, registered
// window using hand-written assembly (mmio_amd64.s) so the faulting
// instruction's register operand is known ahead of time to be CX (store)
// and DX (load) — neither the accumulator — proving the register-field
// write-back path handles a register the decoder didn't special-case.
// It then touches a second reserved-but-unregistered window, which the
// fatal-access law from the store/load round-trip test data should turn
// into ErrFatalFault without this process ever resuming it.

import (
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"testing"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"mmiotrap/channel"
	"mmiotrap/protect"
	"mmiotrap/registry"
	"mmiotrap/tracer"
)

const (
	helperEnv = "MMIOTRAP_SUPERVISOR_INTEGRATION_HELPER"

	goodBase = 0x50000000
	goodSize = 0x1000
	badBase  = 0x60000000
	badSize  = 0x1000

	storedWord  = 0xcafebabe
	roundTripOK = "ROUNDTRIP_OK\n"
)

// TestMain lets this test binary also serve as the traced child: when
// re-exec'd with helperEnv set, it runs the child logic and never returns
// to the normal testing.M path.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		runIntegrationHelper()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runIntegrationHelper is the traced child's entire program: arm tracing,
// reserve both windows, round-trip a store/load through the good one,
// report success, then fault fatally against the bad one. It never
// returns normally past the fatal fault — the kernel leaves it stopped
// and the parent test kills it once ErrFatalFault comes back.
func runIntegrationHelper() {
	if err := tracer.TraceMe(); err != nil {
		os.Exit(10)
	}
	if err := unix.Kill(os.Getpid(), unix.SIGSTOP); err != nil {
		os.Exit(11)
	}

	goodWindow, err := protect.Reserve(goodBase, goodSize)
	if err != nil {
		os.Exit(12)
	}
	defer protect.Release(goodWindow)

	badWindow, err := protect.Reserve(badBase, badSize)
	if err != nil {
		os.Exit(13)
	}
	defer protect.Release(badWindow)

	addr := unsafe.Pointer(uintptr(goodBase))
	mmioStore(addr, storedWord)
	got := mmioLoad(addr)
	if got != storedWord {
		os.Exit(14)
	}
	os.Stdout.WriteString(roundTripOK)

	mmioLoad(unsafe.Pointer(uintptr(badBase)))
	os.Exit(15) // unreachable: the supervisor never resumes past the fatal fault
}

// echoModel is a minimal stand-in device model, grounded on
// cmd/demomodel's accept loop and channel_test.go's echoModel: it stores
// the last WRITE and replays it on READ.
func echoModel(t *testing.T, path string) (stop func()) {
	t.Helper()
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("echoModel: listen: %v", err)
	}
	var stored uint32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			req, err := channel.ReadRequest(conn)
			if err != nil {
				conn.Close()
				continue
			}
			resp := channel.Record{DeviceID: req.DeviceID, Command: req.Command, Address: req.Address, Length: req.Length}
			if req.Command == channel.Write {
				stored = req.Data
			} else {
				resp.Data = stored
			}
			channel.WriteResponse(conn, resp)
			conn.Close()
		}
	}()
	return func() {
		l.Close()
		<-done
	}
}

func TestFaultHandlingAgainstRealTracedChild(t *testing.T) {
	dir := t.TempDir()
	modelPath := dir + "/model.sock"
	stopModel := echoModel(t, modelPath)
	defer stopModel()

	exePath, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	cmd := exec.Command(exePath)
	cmd.Env = append(os.Environ(), helperEnv+"=1")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe: %v", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("starting traced child: %v", err)
	}
	pid := cmd.Process.Pid

	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		t.Fatalf("waiting for child's initial stop: %v", err)
	}
	if !status.Stopped() {
		t.Fatalf("expected child's initial wait status to be stopped, got %v", status)
	}

	reg := registry.New(0)
	if _, err := reg.Register(0, goodBase, goodSize, nil); err != nil {
		t.Fatalf("registering device: %v", err)
	}
	sup := New(Config{
		ChildPID:   pid,
		Registry:   reg,
		ModelPaths: map[uint32]string{0: modelPath},
		Strict:     true,
	})

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run() }()

	var err2 error
	select {
	case err2 = <-runErr:
	case <-time.After(5 * time.Second):
		unix.Kill(pid, unix.SIGKILL)
		unix.Wait4(pid, &status, 0, nil)
		t.Fatal("timed out waiting for supervisor to observe the fatal fault")
	}

	var fatal ErrFatalFault
	if !errors.As(err2, &fatal) {
		t.Fatalf("expected ErrFatalFault, got %v", err2)
	}
	if fatal.Addr < badBase || fatal.Addr >= badBase+badSize {
		t.Fatalf("fatal fault address 0x%x outside the unregistered window", fatal.Addr)
	}

	buf := make([]byte, len(roundTripOK))
	if _, err := io.ReadFull(stdout, buf); err != nil {
		t.Fatalf("reading round-trip marker from child: %v", err)
	}
	if string(buf) != roundTripOK {
		t.Fatalf("expected round-trip marker %q, got %q", roundTripOK, buf)
	}

	if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		t.Fatalf("killing stuck child: %v", err)
	}
	unix.Wait4(pid, &status, 0, nil)
}
