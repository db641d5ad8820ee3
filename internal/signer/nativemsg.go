package signer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// maxFrameSize is the browser's limit on a single message to the
// extension (1 MiB).
const maxFrameSize = 1 << 20

// ErrBridgeClosed is returned by Request once the bridge stream ended.
var ErrBridgeClosed = errors.New("extension bridge closed")

// WriteFrame writes v as one native-messaging frame: a 4-byte
// little-endian length followed by the JSON body.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("native frame: encode: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("native frame: %d bytes exceeds limit %d", len(body), maxFrameSize)
	}
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one frame into v. io.EOF is returned unwrapped on a
// clean end of stream.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return fmt.Errorf("native frame: %d bytes exceeds limit %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("native frame: short body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("native frame: decode: %w", err)
	}
	return nil
}

// NativeBridge speaks the native-messaging protocol over a stream pair.
// Responses are matched to requests by request id; a single reader
// goroutine owns r.
type NativeBridge struct {
	w   io.Writer
	wmu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan ExtensionResponse
	closed  bool
	done    chan struct{}

	logger *slog.Logger
}

// NewNativeBridge starts reading responses from r. Requests are written
// to w.
func NewNativeBridge(r io.Reader, w io.Writer) *NativeBridge {
	b := &NativeBridge{
		w:       w,
		pending: make(map[string]chan ExtensionResponse),
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "native-bridge"),
	}
	go b.readLoop(r)
	return b
}

func (b *NativeBridge) readLoop(r io.Reader) {
	defer b.shutdown()
	for {
		var resp ExtensionResponse
		if err := ReadFrame(r, &resp); err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Warn("native bridge read failed", "error", err)
			}
			return
		}
		b.mu.Lock()
		ch, ok := b.pending[resp.RequestID]
		delete(b.pending, resp.RequestID)
		b.mu.Unlock()
		if !ok {
			// Late answer to a request that already timed out.
			b.logger.Debug("dropping unmatched response", "request_id", resp.RequestID)
			continue
		}
		ch <- resp
	}
}

func (b *NativeBridge) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

// Installed reports whether the stream is still open.
func (b *NativeBridge) Installed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Request sends req and waits for the matching response or ctx.
func (b *NativeBridge) Request(ctx context.Context, req ExtensionRequest) (ExtensionResponse, error) {
	ch := make(chan ExtensionResponse, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ExtensionResponse{}, ErrBridgeClosed
	}
	if _, dup := b.pending[req.RequestID]; dup {
		b.mu.Unlock()
		return ExtensionResponse{}, fmt.Errorf("native bridge: duplicate request id %q", req.RequestID)
	}
	b.pending[req.RequestID] = ch
	b.mu.Unlock()

	b.wmu.Lock()
	err := WriteFrame(b.w, req)
	b.wmu.Unlock()
	if err != nil {
		b.forget(req.RequestID)
		return ExtensionResponse{}, fmt.Errorf("native bridge: send: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ExtensionResponse{}, ErrBridgeClosed
		}
		return resp, nil
	case <-ctx.Done():
		b.forget(req.RequestID)
		return ExtensionResponse{}, ctx.Err()
	}
}

func (b *NativeBridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Done is closed when the stream ends.
func (b *NativeBridge) Done() <-chan struct{} { return b.done }
