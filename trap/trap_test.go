package trap

import (
	"os"
	"strconv"
	"testing"
)

func TestRegisterDeviceBeforeInitFails(t *testing.T) {
	state = nil
	if err := RegisterDevice(0, 0x40000000, 0x1000, "/tmp/model.sock"); err == nil {
		t.Fatal("expected error calling RegisterDevice before Init")
	}
}

func TestUnregisterDeviceBeforeInitFails(t *testing.T) {
	state = nil
	if err := UnregisterDevice(0); err == nil {
		t.Fatal("expected error calling UnregisterDevice before Init")
	}
}

func TestRegisterInterruptHandlerBeforeInitFails(t *testing.T) {
	state = nil
	if err := RegisterInterruptHandler(0, func(uint32) {}); err == nil {
		t.Fatal("expected error calling RegisterInterruptHandler before Init")
	}
}

func TestCleanupWithoutInitIsNoop(t *testing.T) {
	state = nil
	if err := Cleanup(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestPublishWritesPid(t *testing.T) {
	pid := os.Getpid()
	path := publicationPath(pid)
	defer os.Remove(path)

	if err := publish(pid); err != nil {
		t.Fatalf("publish: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading publication file: %v", err)
	}
	if string(data) != strconv.Itoa(pid) {
		t.Fatalf("expected publication file to contain %d, got %q", pid, data)
	}
}

func TestControlSocketPathIsStableForPid(t *testing.T) {
	if controlSocketPath(123) != controlSocketPath(123) {
		t.Fatal("expected controlSocketPath to be deterministic for a given pid")
	}
	if controlSocketPath(123) == controlSocketPath(456) {
		t.Fatal("expected controlSocketPath to differ across pids")
	}
}
