// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"context"
	"net"
	"testing"
	"time"
)

// udpEchoFrame builds a minimal FunctionCall frame with a placeholder
// request id, exactly like tcpFunctionCallFrame, since udpSession.SendReceive
// relies on the same patchRequestId step before writing (spec §4.I UDP).
func udpEchoFrame(id ObjectId, params []byte) []byte {
	h := Header{Kind: KindFunctionCall, Type: MessageTypeRequest, RequestId: 0}
	body := make([]byte, functionCallHeaderSize+len(params))
	binaryPutU16(body[0:2], id.PoaIdx)
	binaryPutU64(body[2:10], id.ObjectId)
	binaryPutU32(body[10:14], 0)
	copy(body[functionCallHeaderSize:], params)
	enc := h.Encode()
	frame := make([]byte, 0, HeaderSize+len(body))
	frame = append(frame, enc[:]...)
	frame = append(frame, body...)
	return frame
}

// newUDPServerSocket opens a loopback UDP listener, letting the kernel pick
// a free port.
func newUDPServerSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	return conn
}

// TestUDPSessionReliableRoundTrip drives a FunctionCall over a real UDP
// socket pair via dialUDP/ServeUDP, checking the request id written by
// patchRequestId round-trips back from the server's echoed reply (spec
// §4.I UDP, §8).
func TestUDPSessionReliableRoundTrip(t *testing.T) {
	serverConn := newUDPServerSocket(t)
	defer serverConn.Close()
	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)

	core := NewRPCCore(nil)
	poa, err := NewPOA(core, "test", 0, Transient, SystemGenerated, POAOptions{})
	if err != nil {
		t.Fatalf("NewPOA: %v", err)
	}
	if err := core.RegisterPOA(poa); err != nil {
		t.Fatalf("RegisterPOA: %v", err)
	}
	id, err := poa.ActivateObject(context.Background(), echoTestServant{}, AllowUDP, 0)
	if err != nil {
		t.Fatalf("ActivateObject: %v", err)
	}
	go ServeUDP(core, serverConn)

	clientCore := NewRPCCore(nil)
	clientConn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	ep := Endpoint{Scheme: SchemeUDP, Host: "127.0.0.1", Port: uint16(serverAddr.Port)}
	sess := newUDPSession(clientCore, ep, clientConn, clientCore.Logger())
	defer sess.Close()

	reply, err := sess.SendReceive(context.Background(), udpEchoFrame(id, []byte("udp-echo")), 2*time.Second)
	if err != nil {
		t.Fatalf("SendReceive: %v", err)
	}
	if string(reply) != "udp-echo" {
		t.Errorf("reply payload = %q, want udp-echo", reply)
	}
}

// dropFirstNServer reads raw datagrams off conn, silently discarding the
// first drop requests from each remote before replying KindSuccess to
// everything after, simulating the lossy link udpSession's retransmit loop
// is built to tolerate (spec §4.I "the sender maintains a pending-call
// table with a retransmit timer").
func dropFirstNServer(t *testing.T, conn *net.UDPConn, drop int) {
	t.Helper()
	buf := make([]byte, MaxMessageSize)
	seen := 0
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < HeaderSize {
			continue
		}
		h, decErr := DecodeHeader(buf[:n])
		if decErr != nil {
			continue
		}
		seen++
		if seen <= drop {
			continue // simulate a dropped datagram: never reply
		}
		reply := NewFlatBuffer()
		MakeSimpleAnswer(reply, KindSuccess, h.RequestId)
		if _, err := conn.WriteToUDP(reply.Data(), remote); err != nil {
			return
		}
	}
}

// TestUDPSessionRetransmitsUntilReply verifies a reliable call survives
// dropped datagrams by retrying up to udpMaxRetries before giving up,
// exercising the retransmit loop's request-id stability across retries
// (patchRequestId only runs once, before the first send; every resend
// reuses the same patched buf).
func TestUDPSessionRetransmitsUntilReply(t *testing.T) {
	serverConn := newUDPServerSocket(t)
	defer serverConn.Close()
	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)
	go dropFirstNServer(t, serverConn, 2)

	clientCore := NewRPCCore(nil)
	clientConn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	ep := Endpoint{Scheme: SchemeUDP, Host: "127.0.0.1", Port: uint16(serverAddr.Port)}
	sess := newUDPSession(clientCore, ep, clientConn, clientCore.Logger())
	defer sess.Close()

	_, err = sess.SendReceive(context.Background(), udpEchoFrame(ObjectId{}, nil), 5*time.Second)
	if err != nil {
		t.Fatalf("SendReceive after 2 dropped datagrams: %v", err)
	}
}

// TestUDPSessionGivesUpAfterMaxRetries verifies a call whose every attempt
// is dropped returns ErrTimeout once udpMaxRetries is exhausted, rather
// than retrying forever.
func TestUDPSessionGivesUpAfterMaxRetries(t *testing.T) {
	serverConn := newUDPServerSocket(t)
	defer serverConn.Close()
	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)
	go dropFirstNServer(t, serverConn, 1000) // drop everything this test sends

	clientCore := NewRPCCore(nil)
	clientConn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	ep := Endpoint{Scheme: SchemeUDP, Host: "127.0.0.1", Port: uint16(serverAddr.Port)}
	sess := newUDPSession(clientCore, ep, clientConn, clientCore.Logger())
	defer sess.Close()

	_, err = sess.SendReceive(context.Background(), udpEchoFrame(ObjectId{}, nil), 5*time.Second)
	if err == nil {
		t.Fatal("SendReceive with every datagram dropped = nil error, want ErrTimeout")
	}
}
