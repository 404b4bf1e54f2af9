//go:build !linux

package transport

import (
	"context"
	"fmt"
	"runtime"

	"github.com/g960059/canview/internal/model"
)

type SocketCAN struct{}

func NewSocketCAN() *SocketCAN {
	return &SocketCAN{}
}

func (SocketCAN) Open(context.Context, model.Connection) (Handle, error) {
	return nil, fmt.Errorf("socketcan unavailable on %s: %w", runtime.GOOS, model.ErrConnection)
}
