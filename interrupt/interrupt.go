// Package interrupt implements the asynchronous, out-of-band path by
// which the device model notifies the driver process of a simulated
// interrupt, independent of and not ordered with respect to any
// in-flight fault. The model writes "device_id,interrupt_id" into a
// side-channel file keyed by this process's pid and raises SIGUSR1;
// this package's signal handler reads and deletes that file and invokes
// the callback registered for device_id.
//
// This generalizes an indexed-callback interrupt-line dispatch table
// from an in-process poll into an out-of-process signal, since the
// interrupt source here is an external model process, not code sharing
// this address space.
package interrupt

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Callback is invoked with the interrupt_id argument when the device it
// is registered for raises an interrupt.
type Callback func(interruptID uint32)

// Signal is the out-of-band notification signal the model raises.
// SIGUSR1 is the conventional choice for a user-defined async
// notification on Linux and is what this package registers with
// signal.Notify.
const Signal = unix.SIGUSR1

// Receiver owns the dispatch table and the channel of incoming
// notifications. The zero value is not usable; construct with New.
type Receiver struct {
	pid int

	mu       sync.RWMutex
	handlers map[uint32]Callback

	sigCh chan os.Signal
	done  chan struct{}
}

// New creates a Receiver for the given process identifier, used to
// derive the side-channel file path the same way the driver publication
// file derives its own name.
func New(pid int) *Receiver {
	return &Receiver{
		pid:      pid,
		handlers: make(map[uint32]Callback),
		sigCh:    make(chan os.Signal, 16),
		done:     make(chan struct{}),
	}
}

// SidechannelPath returns the well-known path the model writes interrupt
// records to for this process.
func (r *Receiver) SidechannelPath() string {
	return fmt.Sprintf("/tmp/interrupt_info_%d", r.pid)
}

// Start registers the signal handler and begins dispatching notifications
// on a background goroutine. Unlike the synchronous fault path, signal
// delivery to a Go program always runs through the runtime's own signal
// goroutine into a channel (there's no user-installable sigaction from
// pure Go), so "the handler" here is this goroutine's loop rather than a
// function invoked directly by the kernel — notifications still arrive
// asynchronously and unordered with respect to any in-flight fault
// either way.
func (r *Receiver) Start() {
	signal.Notify(r.sigCh, Signal)
	go r.loop()
}

// Stop undoes Start: it stops signal delivery to the receiver and ends
// the dispatch goroutine. trap.Cleanup does not call it; the handler is
// left installed there.
func (r *Receiver) Stop() {
	signal.Stop(r.sigCh)
	close(r.done)
}

func (r *Receiver) loop() {
	for {
		select {
		case <-r.sigCh:
			r.dispatchOne()
		case <-r.done:
			return
		}
	}
}

// Register stores callback in the slot for deviceID, per
// register_interrupt_handler. Safe to call concurrently with dispatch.
func (r *Receiver) Register(deviceID uint32, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[deviceID] = cb
}

// Unregister clears the slot for deviceID.
func (r *Receiver) Unregister(deviceID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, deviceID)
}

// dispatchOne reads and deletes the side-channel file and invokes the
// registered callback. Any failure here — missing file, malformed
// content, no handler registered for the device — is silently ignored:
// interrupt notifications are advisory and a spurious or racing one
// must not crash the driver.
func (r *Receiver) dispatchOne() {
	path := r.SidechannelPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	os.Remove(path)

	deviceID, interruptID, ok := parseSidechannel(string(data))
	if !ok {
		return
	}

	r.mu.RLock()
	cb, ok := r.handlers[deviceID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	cb(interruptID)
}

// parseSidechannel parses the "device_id,interrupt_id" content format.
func parseSidechannel(content string) (deviceID, interruptID uint32, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(content), ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	d, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	i, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(d), uint32(i), true
}
