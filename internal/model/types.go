package model

import (
	"fmt"
	"time"
)

// BusID is a CAN arbitration identifier (11-bit standard or 29-bit extended).
type BusID uint32

const (
	MaxStandardID BusID = 0x7FF
	MaxExtendedID BusID = 0x1FFFFFFF
)

func (id BusID) String() string {
	return fmt.Sprintf("%#x", uint32(id))
}

type InterfaceKind string

const (
	InterfaceSocketCAN InterfaceKind = "socketcan"
	InterfaceVirtual   InterfaceKind = "virtual"
)

// Bitrates lists the bus speeds a connection may request, in bit/s.
var Bitrates = []int{10000, 20000, 50000, 100000, 125000, 250000, 500000, 800000, 1000000}

func SupportedBitrate(rate int) bool {
	for _, r := range Bitrates {
		if r == rate {
			return true
		}
	}
	return false
}

// Connection holds the parameters read when a session transitions to running.
type Connection struct {
	Interface InterfaceKind `yaml:"interface"`
	Channel   string        `yaml:"channel"`
	Bitrate   int           `yaml:"bitrate"`
}

func (c Connection) String() string {
	return fmt.Sprintf("%s:%s@%d", c.Interface, c.Channel, c.Bitrate)
}

type Settings struct {
	Capacity   int        `yaml:"capacity"`
	PlotHeight int        `yaml:"plot_height"`
	Connection Connection `yaml:"connection"`
}

type SessionState string

const (
	SessionIdle    SessionState = "idle"
	SessionArmed   SessionState = "armed"
	SessionRunning SessionState = "running"
)

type ListenerState string

const (
	ListenerStopped  ListenerState = "stopped"
	ListenerStarting ListenerState = "starting"
	ListenerRunning  ListenerState = "running"
	ListenerStopping ListenerState = "stopping"
	ListenerFaulted  ListenerState = "faulted"
)

// ListenerStats counts frames seen by a listener since its last start.
type ListenerStats struct {
	Received  uint64
	Recorded  uint64
	Malformed uint64
}

// Run is one start attempt of a session, kept as history in the store.
type Run struct {
	RunID      string
	Connection Connection
	StartedAt  time.Time
	StoppedAt  *time.Time
	Error      string
	Stats      ListenerStats
}

// Limits is an inclusive range of accepted integer settings.
type Limits struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

func (l Limits) Contains(n int) bool {
	return n >= l.Min && n <= l.Max
}
