package channel

import (
	"errors"
	"net"
	"path/filepath"
	"testing"
)

// echoModel is a minimal stand-in for the external device-model process:
// it stores the last WRITE per device and replays it on READ.
func echoModel(t *testing.T, path string) (stop func()) {
	t.Helper()
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	store := make(map[uint32]uint32)
	done := make(chan struct{})
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				close(done)
				return
			}
			go func() {
				defer conn.Close()
				var buf [wireSize]byte
				if _, err := conn.Read(buf[:]); err != nil {
					return
				}
				req := fromBytes(buf)
				resp := req
				resp.Result = 0
				if req.Command == Write {
					store[req.DeviceID] = req.Data
					resp.Data = 0
				} else {
					resp.Data = store[req.DeviceID]
				}
				out := resp.bytes()
				conn.Write(out[:])
			}()
		}
	}()
	return func() {
		l.Close()
		<-done
	}
}

func TestSendRoundTripStoreThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.sock")
	stop := echoModel(t, path)
	defer stop()

	storeResp, err := Send(path, Record{DeviceID: 0, Command: Write, Address: 0x40000000, Data: 0x55, Length: 4})
	if err != nil {
		t.Fatalf("Send(store): %v", err)
	}
	if storeResp.Result != 0 {
		t.Fatalf("store response reported failure: %+v", storeResp)
	}

	loadResp, err := Send(path, Record{DeviceID: 0, Command: Read, Address: 0x40000000, Length: 4})
	if err != nil {
		t.Fatalf("Send(load): %v", err)
	}
	if loadResp.Data != 0x55 {
		t.Fatalf("expected echoed data 0x55, got 0x%x", loadResp.Data)
	}
}

func TestSendUnreachable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no-such.sock")
	_, err := Send(path, Record{Command: Read})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}
