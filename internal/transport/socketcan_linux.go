//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/g960059/canview/internal/model"
)

// SocketCAN opens raw AF_CAN sockets. The bit rate is owned by the kernel
// interface configuration; it is only checked against the supported set.
type SocketCAN struct{}

func NewSocketCAN() *SocketCAN {
	return &SocketCAN{}
}

func (SocketCAN) Open(_ context.Context, conn model.Connection) (Handle, error) {
	if !model.SupportedBitrate(conn.Bitrate) {
		return nil, fmt.Errorf("bitrate %d unsupported: %w", conn.Bitrate, model.ErrConnection)
	}
	iface, err := net.InterfaceByName(conn.Channel)
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %v: %w", conn.Channel, err, model.ErrConnection)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket: %v: %w", err, model.ErrConnection)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd) //nolint:errcheck
		return nil, fmt.Errorf("bind %q: %v: %w", conn.Channel, err, model.ErrConnection)
	}
	// A non-blocking fd lets the runtime poller wake Read when Close is called.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd) //nolint:errcheck
		return nil, fmt.Errorf("set nonblock: %v: %w", err, model.ErrConnection)
	}
	return &socketCANHandle{file: os.NewFile(uintptr(fd), "can:"+conn.Channel)}, nil
}

type socketCANHandle struct {
	file *os.File
	buf  [canFrameSize]byte
}

func (h *socketCANHandle) Receive(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	n, err := h.file.Read(h.buf[:])
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return Frame{}, ErrClosed
		}
		return Frame{}, fmt.Errorf("read can socket: %w", err)
	}
	return decodeCANFrame(h.buf[:n])
}

func (h *socketCANHandle) Close() error {
	return h.file.Close()
}
