package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed marks a single undecodable frame. The handle stays usable.
var ErrMalformed = errors.New("malformed frame")

const (
	canFrameSize = 16

	canEFFFlag = 0x80000000
	canRTRFlag = 0x40000000
	canERRFlag = 0x20000000
	canEFFMask = 0x1FFFFFFF
	canSFFMask = 0x000007FF
)

// decodeCANFrame parses the kernel's struct can_frame layout.
func decodeCANFrame(raw []byte) (Frame, error) {
	if len(raw) != canFrameSize {
		return Frame{}, fmt.Errorf("read %d bytes, want %d: %w", len(raw), canFrameSize, ErrMalformed)
	}
	canID := binary.NativeEndian.Uint32(raw[0:4])
	dlc := int(raw[4])
	if dlc > 8 {
		return Frame{}, fmt.Errorf("dlc %d: %w", dlc, ErrMalformed)
	}
	f := Frame{
		Extended: canID&canEFFFlag != 0,
		Remote:   canID&canRTRFlag != 0,
		Error:    canID&canERRFlag != 0,
	}
	if f.Extended {
		f.ID = canID & canEFFMask
	} else {
		f.ID = canID & canSFFMask
	}
	if !f.Remote {
		f.Data = append([]byte(nil), raw[8:8+dlc]...)
	}
	return f, nil
}
