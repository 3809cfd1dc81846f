// Command demomodel is a minimal device-model process: it answers the
// channel package's request/response protocol by storing the last WRITE
// per device and replaying it on READ. It is a demonstration program,
// not part of the core trap-and-emulate library.
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"mmiotrap/channel"
)

func main() {
	socketPath := flag.String("socket", "/tmp/driver_simulator_socket", "unix socket path to listen on")
	flag.Parse()

	os.Remove(*socketPath)
	l, err := net.Listen("unix", *socketPath)
	if err != nil {
		log.Fatalf("demomodel: listen: %v", err)
	}
	defer os.Remove(*socketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Close()
	}()

	log.Printf("demomodel: listening on %s", *socketPath)

	var mu sync.Mutex
	store := make(map[uint32]uint32)

	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go serve(conn, &mu, store)
	}
}

func serve(conn net.Conn, mu *sync.Mutex, store map[uint32]uint32) {
	defer conn.Close()

	req, err := channel.ReadRequest(conn)
	if err != nil {
		return
	}

	mu.Lock()
	resp := channel.Record{DeviceID: req.DeviceID, Command: req.Command, Address: req.Address, Length: req.Length}
	if req.Command == channel.Write {
		store[req.DeviceID] = req.Data
		log.Printf("demomodel: device=%d WRITE addr=0x%x data=0x%x len=%d", req.DeviceID, req.Address, req.Data, req.Length)
	} else {
		resp.Data = store[req.DeviceID]
		log.Printf("demomodel: device=%d READ addr=0x%x -> data=0x%x len=%d", req.DeviceID, req.Address, resp.Data, req.Length)
	}
	mu.Unlock()

	channel.WriteResponse(conn, resp)
}
