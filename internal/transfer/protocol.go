package transfer

import (
	"fmt"
	"time"
)

const (
	DefaultChunkSize       = 256 * 1024
	DefaultBufferThreshold = 16 * 1024 * 1024
	DefaultPollInterval    = 10 * time.Millisecond
	DefaultMaxFileSize     = 2 * 1024 * 1024 * 1024
)

const (
	typeFileMeta     = "file-meta"
	typeFileComplete = "file-complete"
)

// Channel is the peer-to-peer channel a transfer runs over. A pion
// *webrtc.DataChannel satisfies it directly.
type Channel interface {
	SendText(s string) error
	Send(data []byte) error
	BufferedAmount() uint64
}

// LowWaterNotifier is implemented by channels that can signal when their
// pending buffer drains below a threshold. Senders use it to wake early;
// polling still applies without it.
type LowWaterNotifier interface {
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// FileInfo describes the file announced in file-meta.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	MIME string `json:"mime"`
}

type fileMeta struct {
	Type string `json:"type"`
	FileInfo
}

type control struct {
	Type string `json:"type"`
}

type Direction int

const (
	Send Direction = iota
	Receive
)

func (d Direction) String() string {
	switch d {
	case Send:
		return "send"
	case Receive:
		return "receive"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Progress is reported after every fragment.
type Progress struct {
	Direction Direction
	FileName  string
	Bytes     int64
	Total     int64
	Elapsed   time.Duration
}

func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 100
	}
	return float64(p.Bytes) / float64(p.Total) * 100
}

// BytesPerSecond is the average rate since the transfer started.
func (p Progress) BytesPerSecond() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.Bytes) / p.Elapsed.Seconds()
}
