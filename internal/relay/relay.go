// ABOUTME: Bidirectional byte pump between two connected sockets.
// ABOUTME: Propagates half-closes on EOF and closes both sides on error.

// Package relay shuttles bytes between two paired connections until both
// directions finish. It never inspects or reorders the payload.
package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
)

// BufferSize is the per-direction in-flight copy buffer.
const BufferSize = 32 * 1024

// WriteHalfCloser is implemented by connections that can shut down their
// write side while leaving the read side open (net.TCPConn.CloseWrite).
type WriteHalfCloser interface {
	CloseWrite() error
}

// Result reports how a finished relay went.
type Result struct {
	// AToB and BToA are the byte counts moved in each direction.
	AToB int64
	BToA int64
	// Err is the first I/O error observed, nil on a clean close.
	Err error
}

// Run pumps bytes between a and b until both directions reach end-of-stream
// or either errors. On EOF of one direction the peer's write half is closed
// so the other direction may continue; on error both connections are closed
// immediately. Both connections are closed by the time Run returns.
func Run(a, b net.Conn, logger *slog.Logger) Result {
	var res Result
	var wg sync.WaitGroup
	var errMu sync.Mutex
	record := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if res.Err == nil {
			res.Err = err
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		res.AToB = pump(b, a, record, logger)
	}()
	go func() {
		defer wg.Done()
		res.BToA = pump(a, b, record, logger)
	}()
	wg.Wait()

	// Both directions are done; release the descriptors.
	if err := a.Close(); err != nil && res.Err == nil && !isClosedErr(err) {
		res.Err = err
	}
	if err := b.Close(); err != nil && res.Err == nil && !isClosedErr(err) {
		res.Err = err
	}
	return res
}

// pump copies src to dst until EOF or error. It returns the bytes moved and
// records the termination in the relay's fate: half-close dst on EOF; on
// error, pass it to record and hard close both.
func pump(dst, src net.Conn, record func(error), logger *slog.Logger) int64 {
	n, err := io.CopyBuffer(onlyWriter{dst}, onlyReader{src}, make([]byte, BufferSize))
	if err == nil || errors.Is(err, io.EOF) {
		closeWrite(dst)
		return n
	}

	if !isClosedErr(err) {
		logger.Debug("relay direction failed", "error", err, "bytes", n)
		record(err)
	}
	// An error means the pairing is broken; tear down both ends so the
	// opposite direction unblocks.
	src.Close()
	dst.Close()
	return n
}

// closeWrite propagates end-of-stream to dst without killing its read half.
// Connections without half-close support are closed outright.
func closeWrite(dst net.Conn) {
	if hc, ok := dst.(WriteHalfCloser); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = dst.Close()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// onlyWriter and onlyReader strip the other interface methods off net.Conn
// so io.CopyBuffer cannot take the ReadFrom/WriteTo fast paths that bypass
// the provided buffer and half-close accounting.
type onlyWriter struct{ io.Writer }

type onlyReader struct{ io.Reader }
