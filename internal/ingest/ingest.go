// Package ingest receives capture triggers from a door controller over a
// ZeroMQ PULL socket.
package ingest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"

	"zk-agent-go/internal/types"
)

const recvTimeout = 500 * time.Millisecond

// Commands connects to endpoint and streams decoded trigger commands until
// ctx is done. Expects CBOR maps shaped like
// { "type": "capture" | "identify" | "stop", "source": <string> }.
func Commands(ctx context.Context, endpoint string, logEvery int) (<-chan types.Command, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvtimeo(recvTimeout); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	limiter := newLogLimiter(logEvery)
	out := make(chan types.Command, 16)
	go func() {
		defer close(out)
		defer socket.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
				limiter.printf("ingest recv error: %v", err)
				continue
			}

			cmd, err := decodeCommand(msg)
			if err != nil {
				limiter.printf("ingest decode skipped message: %v", err)
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- cmd:
			}
		}
	}()

	return out, nil
}

func decodeCommand(msg []byte) (types.Command, error) {
	var payload map[string]any
	if err := cbor.Unmarshal(msg, &payload); err != nil {
		return types.Command{}, fmt.Errorf("CBOR decode error: %w", err)
	}

	cmdType, ok := payload["type"].(string)
	if !ok {
		return types.Command{}, fmt.Errorf("missing type field")
	}
	cmdType = strings.ToLower(strings.TrimSpace(cmdType))
	switch cmdType {
	case types.CommandCapture, types.CommandIdentify, types.CommandStop:
	default:
		return types.Command{}, fmt.Errorf("unsupported command %q", cmdType)
	}

	source, _ := payload["source"].(string)
	if source == "" {
		source = "zmq"
	}
	return types.Command{Type: cmdType, Source: source}, nil
}

// logLimiter prints every n-th message so a flapping socket does not flood
// the log.
type logLimiter struct {
	mu    sync.Mutex
	n     int
	count int
}

func newLogLimiter(n int) *logLimiter {
	if n < 1 {
		n = 1
	}
	return &logLimiter{n: n}
}

func (l *logLimiter) printf(format string, args ...any) {
	l.mu.Lock()
	l.count++
	emit := l.count%l.n == 0
	l.mu.Unlock()
	if emit {
		log.Printf(format, args...)
	}
}
