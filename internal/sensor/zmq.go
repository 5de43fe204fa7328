package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

// recvTimeout bounds each blocking receive so Run notices cancellation.
const recvTimeout = 250 * time.Millisecond

// ZMQSource receives CBOR body frames from an SDK shim over a ZeroMQ
// PULL socket. The shim runs next to the camera driver and pushes one
// message per frame-arrived event.
type ZMQSource struct {
	dispatcher
	endpoint string
	logger   *slog.Logger
	socket   *zmq4.Socket
}

// NewZMQSource creates a source that connects to endpoint on Open.
func NewZMQSource(endpoint string, logger *slog.Logger) *ZMQSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZMQSource{endpoint: endpoint, logger: logger}
}

// Name implements Source.
func (z *ZMQSource) Name() string { return "zmq" }

// Open implements Source.
func (z *ZMQSource) Open(ctx context.Context) error {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return fmt.Errorf("%w: create zmq socket: %v", ErrUnavailable, err)
	}
	if err := socket.SetRcvtimeo(recvTimeout); err != nil {
		_ = socket.Close()
		return fmt.Errorf("%w: set zmq receive timeout: %v", ErrUnavailable, err)
	}
	if err := socket.Connect(z.endpoint); err != nil {
		_ = socket.Close()
		return fmt.Errorf("%w: connect %s: %v", ErrUnavailable, z.endpoint, err)
	}
	z.socket = socket
	return nil
}

// Run implements Source. Malformed messages are logged and skipped;
// they never reach the relay.
func (z *ZMQSource) Run(ctx context.Context) error {
	if z.socket == nil {
		return fmt.Errorf("zmq source not open")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := z.socket.RecvBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			z.logger.Warn("zmq receive failed", "endpoint", z.endpoint, "error", err)
			if !sleepCtx(ctx, recvTimeout) {
				return nil
			}
			continue
		}

		frame, err := UnmarshalFrame(msg)
		if err != nil {
			z.logger.Warn("zmq frame skipped", "size", len(msg), "error", err)
			continue
		}

		if err := z.deliver(ctx, frame); err != nil {
			return err
		}
	}
}

// Close implements Source.
func (z *ZMQSource) Close() error {
	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}
