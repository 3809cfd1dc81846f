// Package control implements the control channel between the traced
// child (where the driver and its calls to Init/RegisterDevice/
// RegisterInterruptHandler run) and the supervisor (which owns the fault
// loop and its own registry mirror, per SPEC_FULL.md's process-split
// design). It reuses the Model Channel's one-request-per-connection
// unix-socket shape, but with its own length-prefixed little-endian
// encoding (see writeRequest) instead of the channel package's
// fixed-layout record overlay, because ModelPath is variable-length.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Op identifies which registry operation a control request performs.
type Op uint32

const (
	OpRegisterDevice Op = iota + 1
	OpUnregisterDevice
	OpRegisterInterrupt
)

// Request is sent by the child to the supervisor. It carries the
// device's address window plus the unix-socket path of its model
// process (empty for OpRegisterInterrupt, which only needs ID).
type Request struct {
	Op        Op
	DeviceID  uint32
	Base      uint64
	Size      uint64
	ModelPath string
}

// Response carries the supervisor's registry outcome back to the child.
// Ok is false when the registry rejected the operation (full, overlap,
// duplicate ID, not found); Message then holds the rejection reason.
type Response struct {
	Ok      bool
	Message string
}

// DialTimeout bounds connection setup the same way channel.DialTimeout
// does for the model channel.
const DialTimeout = 2 * time.Second

// ErrUnreachable indicates the supervisor's control socket isn't up yet,
// which for this channel is always a startup-ordering bug rather than a
// tolerated race (unlike the model channel, the supervisor is part of
// this program's own lifecycle, not an external process).
var ErrUnreachable = errors.New("control: supervisor endpoint unreachable")

// Send issues one request over path and returns the supervisor's
// response. Like the model channel, each call is a fresh connection —
// registration calls are rare (startup-time, mostly), so there is no
// need for a persistent connection.
func Send(path string, req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", path, DialTimeout)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()

	if err := writeRequest(conn, req); err != nil {
		return Response{}, err
	}
	return readResponse(conn)
}

// Serve runs the supervisor side of the control channel: it accepts
// connections on l until it's closed, handling exactly one request per
// connection with handle, which is expected to be backed by the
// supervisor's registry mirror. Serve returns nil when l.Accept fails,
// which is the normal shutdown signal (the listener was closed).
func Serve(l net.Listener, handle func(Request) Response) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return nil
		}
		go func() {
			defer conn.Close()
			req, err := readRequest(conn)
			if err != nil {
				return
			}
			resp := handle(req)
			writeResponse(conn, resp)
		}()
	}
}

// writeRequest encodes a Request as: op(4) deviceID(4) base(8) size(8)
// pathLen(4) path(pathLen), all little-endian. A length-prefixed tail
// field is needed here (unlike channel.Record) because ModelPath is
// variable-length, so the fixed-struct-overlay trick the model channel
// uses doesn't apply.
func writeRequest(w io.Writer, req Request) error {
	path := []byte(req.ModelPath)
	header := make([]byte, 28)
	binary.LittleEndian.PutUint32(header[0:4], uint32(req.Op))
	binary.LittleEndian.PutUint32(header[4:8], req.DeviceID)
	binary.LittleEndian.PutUint64(header[8:16], req.Base)
	binary.LittleEndian.PutUint64(header[16:24], req.Size)
	binary.LittleEndian.PutUint32(header[24:28], uint32(len(path)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("control: short send (header): %w", err)
	}
	if len(path) > 0 {
		if _, err := w.Write(path); err != nil {
			return fmt.Errorf("control: short send (path): %w", err)
		}
	}
	return nil
}

func readRequest(r io.Reader) (Request, error) {
	header := make([]byte, 28)
	if _, err := io.ReadFull(r, header); err != nil {
		return Request{}, fmt.Errorf("control: short receive (header): %w", err)
	}
	pathLen := binary.LittleEndian.Uint32(header[24:28])
	req := Request{
		Op:       Op(binary.LittleEndian.Uint32(header[0:4])),
		DeviceID: binary.LittleEndian.Uint32(header[4:8]),
		Base:     binary.LittleEndian.Uint64(header[8:16]),
		Size:     binary.LittleEndian.Uint64(header[16:24]),
	}
	if pathLen > 0 {
		path := make([]byte, pathLen)
		if _, err := io.ReadFull(r, path); err != nil {
			return Request{}, fmt.Errorf("control: short receive (path): %w", err)
		}
		req.ModelPath = string(path)
	}
	return req, nil
}

// writeResponse encodes: ok(1) msgLen(4) msg(msgLen).
func writeResponse(w io.Writer, resp Response) error {
	msg := []byte(resp.Message)
	header := make([]byte, 5)
	if resp.Ok {
		header[0] = 1
	}
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(msg)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("control: short send (response header): %w", err)
	}
	if len(msg) > 0 {
		if _, err := w.Write(msg); err != nil {
			return fmt.Errorf("control: short send (response message): %w", err)
		}
	}
	return nil
}

func readResponse(r io.Reader) (Response, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return Response{}, fmt.Errorf("control: short receive (response header): %w", err)
	}
	msgLen := binary.LittleEndian.Uint32(header[1:5])
	resp := Response{Ok: header[0] == 1}
	if msgLen > 0 {
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return Response{}, fmt.Errorf("control: short receive (response message): %w", err)
		}
		resp.Message = string(msg)
	}
	return resp, nil
}
