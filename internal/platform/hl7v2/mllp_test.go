package hl7v2

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// testADT is a minimal ADT^A01 message used across MLLP tests.
var testADT = "MSH|^~\\&|SendApp|SendFac|RecvApp|RecvFac|20240115120000||ADT^A01|MSG001|P|2.5.1\rPID|||12345||Smith^John||19800101|M"

// ackHandler accepts anything that decodes and rejects the rest.
func ackHandler(received chan<- *Message) MessageHandler {
	return func(_ context.Context, raw []byte) []byte {
		msg, err := Decode(raw)
		if err != nil {
			return GenerateRejectACK(err.Error(), time.Now())
		}
		if received != nil {
			received <- msg
		}
		return GenerateACK(msg, AckAccept, "", time.Now())
	}
}

func startTestServer(t *testing.T, handler MessageHandler) *MLLPServer {
	t.Helper()
	s := NewMLLPServer("127.0.0.1:0", handler, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func dial(t *testing.T, s *MLLPServer) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestFrameMessage(t *testing.T) {
	raw := []byte("MSH|^~\\&|A|B|||20240115||ADT^A01|C1|P|2.5.1")
	framed := FrameMessage(raw)

	if framed[0] != MLLPStartBlock || !bytes.HasSuffix(framed, []byte{MLLPEndBlock, MLLPCarriageReturn}) {
		t.Fatalf("bad envelope: % x", framed)
	}
	if !bytes.Equal(framed[1:len(framed)-2], raw) {
		t.Errorf("payload changed by framing")
	}
}

func TestUnframeMessage(t *testing.T) {
	one, two := []byte("MSG_ONE"), []byte("MSG_TWO")
	tests := []struct {
		name      string
		data      []byte
		wantMsg   []byte
		wantRest  []byte
		wantFound bool
	}{
		{"single", FrameMessage(one), one, []byte{}, true},
		{"two back to back", append(FrameMessage(one), FrameMessage(two)...), one, FrameMessage(two), true},
		{"leading noise", append([]byte("\r\n"), FrameMessage(one)...), one, []byte{}, true},
		{"no start block", []byte("no start block here"), nil, nil, false},
		{"partial", append([]byte{MLLPStartBlock}, "MSH|partial"...), nil, nil, false},
		{"end block without CR", append([]byte{MLLPStartBlock}, "MSH|x\x1c"...), nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, rest, found := UnframeMessage(tt.data)
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if !found {
				if !bytes.Equal(rest, tt.data) {
					t.Errorf("incomplete input must be returned unchanged")
				}
				return
			}
			if !bytes.Equal(msg, tt.wantMsg) || !bytes.Equal(rest, tt.wantRest) {
				t.Errorf("got msg=%q rest=%q", msg, rest)
			}
		})
	}
}

func TestScanFrames_SplitsStream(t *testing.T) {
	stream := append([]byte("junk"), FrameMessage([]byte("A"))...)
	stream = append(stream, FrameMessage([]byte("B"))...)
	stream = append(stream, MLLPStartBlock, 'C')

	sc := bufio.NewScanner(bytes.NewReader(stream))
	sc.Split(ScanFrames)
	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("got frames %q, want [A B]", got)
	}
}

func TestMLLPServer_StartStop(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", ackHandler(nil), zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if s.Addr() == "" {
		t.Fatal("Addr() returned empty string")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestMLLPServer_ReceiveMessage(t *testing.T) {
	received := make(chan *Message, 1)
	s := startTestServer(t, ackHandler(received))
	conn := dial(t, s)

	if _, err := conn.Write(FrameMessage([]byte(testADT))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "ADT^A01" {
			t.Errorf("expected message type 'ADT^A01', got %q", msg.Type)
		}
		if msg.ControlID != "MSG001" {
			t.Errorf("expected control ID 'MSG001', got %q", msg.ControlID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMLLPServer_SendsACK(t *testing.T) {
	s := startTestServer(t, ackHandler(nil))
	conn := dial(t, s)

	if _, err := conn.Write(FrameMessage([]byte(testADT))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	ack, err := Decode(readMLLPResponse(t, conn, 5*time.Second))
	if err != nil {
		t.Fatalf("failed to decode ACK: %v", err)
	}

	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("ACK missing MSA segment")
	}
	if msa.GetField(1) != "AA" {
		t.Errorf("expected MSA-1 'AA', got %q", msa.GetField(1))
	}
	if msa.GetField(2) != "MSG001" {
		t.Errorf("expected MSA-2 'MSG001', got %q", msa.GetField(2))
	}
}

func TestMLLPServer_MultipleMessages(t *testing.T) {
	var mu sync.Mutex
	var received []string

	handler := func(_ context.Context, raw []byte) []byte {
		msg, err := Decode(raw)
		if err != nil {
			return GenerateRejectACK(err.Error(), time.Now())
		}
		mu.Lock()
		received = append(received, msg.ControlID)
		mu.Unlock()
		return GenerateACK(msg, AckAccept, "", time.Now())
	}

	s := startTestServer(t, handler)
	conn := dial(t, s)

	msg1 := "MSH|^~\\&|A|B|C|D|20240115120000||ADT^A01|CTRL1|P|2.5.1\rPID|||111||One^First||19900101|M"
	if _, err := conn.Write(FrameMessage([]byte(msg1))); err != nil {
		t.Fatalf("Write msg1 failed: %v", err)
	}
	readMLLPResponse(t, conn, 5*time.Second)

	msg2 := "MSH|^~\\&|A|B|C|D|20240115120001||ADT^A01|CTRL2|P|2.5.1\rPID|||222||Two^Second||19910202|F"
	if _, err := conn.Write(FrameMessage([]byte(msg2))); err != nil {
		t.Fatalf("Write msg2 failed: %v", err)
	}
	readMLLPResponse(t, conn, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(received))
	}
	if received[0] != "CTRL1" || received[1] != "CTRL2" {
		t.Errorf("expected [CTRL1 CTRL2], got %v", received)
	}
}

func TestMLLPServer_MultipleConnections(t *testing.T) {
	received := make(chan *Message, 2)
	s := startTestServer(t, ackHandler(received))

	var wg sync.WaitGroup
	for i, ctrlID := range []string{"CONN1", "CONN2"} {
		wg.Add(1)
		go func(idx int, id string) {
			defer wg.Done()

			conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
			if err != nil {
				t.Errorf("Dial failed for conn %d: %v", idx, err)
				return
			}
			defer conn.Close()

			msg := "MSH|^~\\&|A|B|C|D|20240115120000||ADT^A01|" + id + "|P|2.5.1\rPID|||999||Test^User||19850101|M"
			if _, err := conn.Write(FrameMessage([]byte(msg))); err != nil {
				t.Errorf("Write failed for conn %d: %v", idx, err)
				return
			}
			readMLLPResponse(t, conn, 5*time.Second)
		}(i, ctrlID)
	}

	wg.Wait()

	if len(received) != 2 {
		t.Fatalf("expected 2 messages from 2 connections, got %d", len(received))
	}
}

func TestMLLPServer_InvalidMessageGetsReject(t *testing.T) {
	s := startTestServer(t, ackHandler(nil))
	conn := dial(t, s)

	if _, err := conn.Write(FrameMessage([]byte("THIS IS NOT HL7"))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	nak, err := Decode(readMLLPResponse(t, conn, 5*time.Second))
	if err != nil {
		t.Fatalf("failed to decode reject ACK: %v", err)
	}
	if got := nak.GetSegment("MSA").GetField(1); got != "AR" {
		t.Errorf("expected MSA-1 'AR', got %q", got)
	}

	// The connection stays usable.
	if _, err := conn.Write(FrameMessage([]byte(testADT))); err != nil {
		t.Fatalf("Write valid message failed: %v", err)
	}
	ack, err := Decode(readMLLPResponse(t, conn, 5*time.Second))
	if err != nil {
		t.Fatalf("failed to decode ACK after invalid message: %v", err)
	}
	if got := ack.GetSegment("MSA").GetField(1); got != "AA" {
		t.Errorf("expected MSA-1 'AA', got %q", got)
	}
}

func TestMLLPServer_NilResponseSendsNothing(t *testing.T) {
	called := make(chan struct{}, 1)
	s := startTestServer(t, func(_ context.Context, _ []byte) []byte {
		called <- struct{}{}
		return nil
	})
	conn := dial(t, s)

	if _, err := conn.Write(FrameMessage([]byte(testADT))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	if n, _ := conn.Read(buf); n != 0 {
		t.Errorf("expected no response, got %d bytes", n)
	}
}

func TestMLLPServer_StopCancelsHandlerContext(t *testing.T) {
	started := make(chan struct{})
	done := make(chan error, 1)
	s := NewMLLPServer("127.0.0.1:0", func(ctx context.Context, _ []byte) []byte {
		close(started)
		<-ctx.Done()
		done <- ctx.Err()
		return nil
	}, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(FrameMessage([]byte(testADT))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	<-started

	s.Stop()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestMLLPServer_OversizedFrameClosesConnection(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", ackHandler(nil), zerolog.Nop(), WithMaxFrameSize(64))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	conn := dial(t, s)

	if _, err := conn.Write(FrameMessage([]byte(testADT))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if n, err := conn.Read(make([]byte, 16)); n != 0 || err == nil {
		t.Errorf("expected the server to hang up, read %d bytes err=%v", n, err)
	}
}

func TestMLLPServer_SmallMaxFrameAcceptsFrameAtLimit(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", ackHandler(nil), zerolog.Nop(), WithMaxFrameSize(len(testADT)))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	conn := dial(t, s)

	if _, err := conn.Write(FrameMessage([]byte(testADT))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	ack, err := Decode(readMLLPResponse(t, conn, 5*time.Second))
	if err != nil {
		t.Fatalf("Decode ACK failed: %v", err)
	}
	if msa := ack.GetSegment("MSA"); msa == nil || msa.GetField(1) != "AA" {
		t.Errorf("expected an AA acknowledgment, got %v", msa)
	}

	// One byte over the limit is refused.
	if _, err := conn.Write(FrameMessage([]byte(testADT + "X"))); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if n, err := conn.Read(make([]byte, 16)); n != 0 || err == nil {
		t.Errorf("expected the server to hang up, read %d bytes err=%v", n, err)
	}
}

func TestMLLPServer_IdleConnectionClosed(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", ackHandler(nil), zerolog.Nop(), WithIdleTimeout(100*time.Millisecond))
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	conn := dial(t, s)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected idle connection to be closed")
	}
}

// =========== Helpers ===========

// readMLLPResponse reads an MLLP-framed response from a connection.
// It returns the unframed message bytes.
func readMLLPResponse(t *testing.T, conn net.Conn, timeout time.Duration) []byte {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}

		msg, _, found := UnframeMessage(buf)
		if found {
			return msg
		}

		if err != nil {
			t.Fatalf("error reading MLLP response: %v (buf so far: %d bytes)", err, len(buf))
		}
	}
}
