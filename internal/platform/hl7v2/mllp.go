package hl7v2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MLLP envelope bytes: <VT> payload <FS><CR>.
const (
	MLLPStartBlock     = 0x0B
	MLLPEndBlock       = 0x1C
	MLLPCarriageReturn = 0x0D
)

const (
	defaultMaxFrameSize = 1 << 20
	defaultIdleTimeout  = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

var frameTrailer = []byte{MLLPEndBlock, MLLPCarriageReturn}

// MessageHandler receives the unframed payload of each frame and returns
// the acknowledgment to write back, or nil to send nothing. ctx is
// cancelled when the server stops.
type MessageHandler func(ctx context.Context, raw []byte) []byte

type MLLPOption func(*MLLPServer)

// WithMaxFrameSize bounds a single frame. A peer that exceeds it is
// disconnected.
func WithMaxFrameSize(n int) MLLPOption {
	return func(s *MLLPServer) { s.maxFrame = n }
}

// WithIdleTimeout closes connections that deliver no complete frame
// within d.
func WithIdleTimeout(d time.Duration) MLLPOption {
	return func(s *MLLPServer) { s.idle = d }
}

// MLLPServer accepts HL7v2 over MLLP/TCP. Frames on one connection are
// handled strictly in arrival order; connections are served concurrently.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	logger   zerolog.Logger
	maxFrame int
	idle     time.Duration

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger, opts ...MLLPOption) *MLLPServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MLLPServer{
		addr:     addr,
		handler:  handler,
		logger:   logger.With().Str("component", "mllp").Logger(),
		maxFrame: defaultMaxFrameSize,
		idle:     defaultIdleTimeout,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.serve()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("MLLP listener started")
	return nil
}

// Stop closes the listener and every open connection, cancels in-flight
// handlers and waits for them to return.
func (s *MLLPServer) Stop() error {
	s.cancel()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr is the bound address once started, which matters for ":0".
func (s *MLLPServer) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("accept failed")
			}
			return
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(conn)
		}()
	}
}

// track registers conn unless the server is already stopping.
func (s *MLLPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *MLLPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *MLLPServer) serveConn(conn net.Conn) {
	log := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	sc := bufio.NewScanner(conn)
	// bufio.Scanner caps tokens at max(limit, cap(buf)).
	limit := s.maxFrame + len(frameTrailer) + 1
	sc.Buffer(make([]byte, 0, min(4096, limit)), limit)
	sc.Split(ScanFrames)

	for {
		conn.SetReadDeadline(time.Now().Add(s.idle))
		if !sc.Scan() {
			break
		}
		// The scanner reuses its buffer; the handler may retain the payload.
		payload := bytes.Clone(sc.Bytes())

		ack := s.handler(s.ctx, payload)
		if ack == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(FrameMessage(ack)); err != nil {
			log.Error().Err(err).Msg("write acknowledgment failed")
			return
		}
	}

	var netErr net.Error
	switch err := sc.Err(); {
	case err == nil, s.ctx.Err() != nil:
	case errors.Is(err, bufio.ErrTooLong):
		log.Warn().Int("max_bytes", s.maxFrame).Msg("frame exceeds max size, closing connection")
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Debug().Msg("idle connection closed")
	default:
		log.Warn().Err(err).Msg("read failed")
	}
}

// ScanFrames is a bufio.SplitFunc yielding MLLP payloads. Bytes outside a
// frame are discarded.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.IndexByte(data, MLLPStartBlock)
	if start < 0 {
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+1:], frameTrailer)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start + 1
	return end + len(frameTrailer), data[start+1 : end], nil
}

// FrameMessage wraps a payload in the MLLP envelope.
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	return append(frame, frameTrailer...)
}

// UnframeMessage cuts the first complete frame out of data. When no frame
// is complete it returns data unchanged and found=false.
func UnframeMessage(data []byte) (message, rest []byte, found bool) {
	advance, token, _ := ScanFrames(data, false)
	if token == nil {
		return nil, data, false
	}
	return token, data[advance:], true
}
