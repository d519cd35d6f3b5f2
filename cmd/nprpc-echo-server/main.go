// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command nprpc-echo-server activates a single echo servant on whichever
// transports its flags enable (TCP, WebSocket over HTTP, shared memory) and
// prints the object's IOR so nprpc-echo-client can dial it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/nikitapn/nprpc"
)

var (
	tcpAddr  = flag.String("tcp", ":8848", "TCP listen address, empty to disable")
	httpAddr = flag.String("http", ":8849", "HTTP/WebSocket listen address, empty to disable")
	shm      = flag.Bool("shm", true, "activate the echo object on shared memory too")
	ringSize = flag.Int("ring-size", 0, "shared-memory ring size in bytes, 0 for the default")
)

// echoServant echoes its request parameters back as the reply payload. It
// is the one servant class this binary ever activates.
type echoServant struct{}

func (echoServant) ClassId() string { return "nprpc.examples.Echo" }

func (echoServant) Dispatch(ctx *nprpc.SessionContext, functionIdx uint32, req []byte, resp *nprpc.FlatBuffer) error {
	resp.Append(req)
	return nil
}

func main() {
	flag.Parse()

	cfg := nprpc.DefaultConfig()
	if *ringSize > 0 {
		cfg.RingSize = *ringSize
	}
	core := nprpc.NewRPCCore(cfg)
	log := core.Logger()

	poa, err := nprpc.NewPOA(core, "echo", 0, nprpc.Transient, nprpc.SystemGenerated, nprpc.POAOptions{})
	if err != nil {
		log.Error("new poa", "error", err)
		return
	}
	if err := core.RegisterPOA(poa); err != nil {
		log.Error("register poa", "error", err)
		return
	}

	var flags nprpc.ActivationFlags
	if *tcpAddr != "" {
		flags |= nprpc.AllowTCP
	}
	if *httpAddr != "" {
		flags |= nprpc.AllowWS
	}
	if *shm {
		flags |= nprpc.AllowSharedMemory
	}
	if flags == 0 {
		log.Error("no transport enabled, nothing to serve")
		return
	}

	if *tcpAddr != "" {
		port, ln, err := listenTCP(*tcpAddr)
		if err != nil {
			log.Error("listen tcp", "addr", *tcpAddr, "error", err)
			return
		}
		cfg.TcpPort = port
		go nprpc.AcceptTCP(core, ln)
		log.Info("tcp listening", "addr", ln.Addr())
	}

	if *httpAddr != "" {
		port, ln, err := listenTCP(*httpAddr)
		if err != nil {
			log.Error("listen http", "addr", *httpAddr, "error", err)
			return
		}
		cfg.HttpPort = port
		mux := http.NewServeMux()
		mux.HandleFunc("/nprpc-ws", func(w http.ResponseWriter, r *http.Request) {
			if err := nprpc.UpgradeHTTP(core, w, r, nil); err != nil {
				log.Warn("websocket upgrade", "error", err)
			}
		})
		server := &http.Server{Handler: mux}
		go func() {
			if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Error("http serve", "error", err)
			}
		}()
		log.Info("http/websocket listening", "addr", ln.Addr())
	}

	if *shm {
		listener, err := nprpc.NewListener(cfg.Uuid, cfg.RingSize, log)
		if err != nil {
			log.Error("new shared memory listener", "error", err)
			return
		}
		defer listener.Close()
		go nprpc.ServeSHM(core, listener)
		log.Info("shared memory listening", "uuid", cfg.Uuid)
	}

	id, err := poa.ActivateObject(context.Background(), echoServant{}, flags, 0)
	if err != nil {
		log.Error("activate object", "error", err)
		return
	}

	fmt.Println(id.IOR())
	select {}
}

func listenTCP(addr string) (uint16, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, nil, err
	}
	return uint16(ln.Addr().(*net.TCPAddr).Port), ln, nil
}
