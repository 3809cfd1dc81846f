package control

import (
	"net"
	"path/filepath"
	"testing"
)

func TestSendServeRegisterDevice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	var got Request
	go Serve(l, func(req Request) Response {
		got = req
		return Response{Ok: true}
	})

	req := Request{Op: OpRegisterDevice, DeviceID: 7, Base: 0x40000000, Size: 4096, ModelPath: "/tmp/model.sock"}
	resp, err := Send(path, req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.Ok {
		t.Fatalf("expected Ok response, got %+v", resp)
	}
	if got != req {
		t.Fatalf("supervisor saw %+v, want %+v", got, req)
	}
}

func TestSendServeRejection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	go Serve(l, func(req Request) Response {
		return Response{Ok: false, Message: "overlap"}
	})

	resp, err := Send(path, Request{Op: OpRegisterDevice, DeviceID: 1, Base: 0x40000000, Size: 4096})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Ok || resp.Message != "overlap" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSendUnreachable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no-such.sock")
	if _, err := Send(path, Request{Op: OpRegisterDevice}); err == nil {
		t.Fatal("expected error for unreachable control socket")
	}
}
