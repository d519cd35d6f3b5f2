// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command nprpc-echo-client round-trips a FunctionCall against the object
// named by an IOR string (as printed by nprpc-echo-server), over whichever
// transport that IOR's endpoint selects.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/nikitapn/nprpc"
)

var (
	ior     = flag.String("ior", "", "object IOR string printed by nprpc-echo-server")
	message = flag.String("message", "hello, nprpc", "payload to echo")
	timeout = flag.Duration("timeout", 5*time.Second, "call timeout")
)

func main() {
	flag.Parse()
	if *ior == "" {
		fmt.Println("usage: nprpc-echo-client -ior <IOR printed by nprpc-echo-server> [-message text] [-timeout 5s]")
		return
	}

	id, err := nprpc.ParseIOR(*ior)
	if err != nil {
		log.Fatalf("parse ior: %v", err)
	}

	core := nprpc.NewRPCCore(nil)
	core.RegisterDefaultDialers()

	obj, err := nprpc.NewObject(core, id)
	if err != nil {
		log.Fatalf("resolve object endpoint: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	reply, err := core.Call(ctx, obj.Endpoint(), encodeFunctionCall(id, []byte(*message)), *timeout)
	if err != nil {
		log.Fatalf("call: %v", err)
	}
	fmt.Printf("endpoint: %s\nreply:    %s\n", obj.Endpoint(), reply)
}

// encodeFunctionCall builds a FunctionCall frame addressed at id: the fixed
// Header, followed by poa_idx/object_id/function_idx, followed by params.
// RequestId is left zero; RPCCore.Call's session assigns and patches in the
// real one before the frame ever reaches the wire.
func encodeFunctionCall(id nprpc.ObjectId, params []byte) []byte {
	const functionCallHeaderSize = 2 + 8 + 4
	h := nprpc.Header{Kind: nprpc.KindFunctionCall, Type: nprpc.MessageTypeRequest}
	body := make([]byte, functionCallHeaderSize+len(params))
	binary.LittleEndian.PutUint16(body[0:2], id.PoaIdx)
	binary.LittleEndian.PutUint64(body[2:10], id.ObjectId)
	binary.LittleEndian.PutUint32(body[10:14], 0) // echo's only method is at index 0
	copy(body[functionCallHeaderSize:], params)
	enc := h.Encode()
	frame := make([]byte, 0, nprpc.HeaderSize+len(body))
	frame = append(frame, enc[:]...)
	frame = append(frame, body...)
	return frame
}
