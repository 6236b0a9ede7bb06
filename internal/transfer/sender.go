package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

type SenderOptions struct {
	ChunkSize       int
	BufferThreshold uint64
	PollInterval    time.Duration
	MaxFileSize     int64
	Logger          *slog.Logger

	// OnProgress is called after every fragment.
	OnProgress func(Progress)
}

// Sender streams files over a single channel, one at a time.
type Sender struct {
	ch   Channel
	opts SenderOptions
	log  *slog.Logger

	active atomic.Bool
	low    chan struct{}
}

func NewSender(ch Channel, opts SenderOptions) *Sender {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.BufferThreshold == 0 {
		opts.BufferThreshold = DefaultBufferThreshold
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Sender{
		ch:   ch,
		opts: opts,
		log:  opts.Logger,
		low:  make(chan struct{}, 1),
	}
	if n, ok := ch.(LowWaterNotifier); ok {
		n.SetBufferedAmountLowThreshold(opts.BufferThreshold)
		n.OnBufferedAmountLow(s.notifyLow)
	}
	return s
}

func (s *Sender) notifyLow() {
	select {
	case s.low <- struct{}{}:
	default:
	}
}

// SendFile announces info and streams exactly info.Size bytes from r. The
// completion message is only sent once every fragment has been handed to the
// channel.
func (s *Sender) SendFile(ctx context.Context, info FileInfo, r io.Reader) error {
	if info.Name == "" || info.Size < 0 {
		return ErrInvalidFileInfo
	}
	if info.Size > s.opts.MaxFileSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, info.Size, s.opts.MaxFileSize)
	}
	if !s.active.CompareAndSwap(false, true) {
		return ErrTransferInProgress
	}
	defer s.active.Store(false)

	meta, err := json.Marshal(fileMeta{Type: typeFileMeta, FileInfo: info})
	if err != nil {
		return err
	}
	if err := s.ch.SendText(string(meta)); err != nil {
		return fmt.Errorf("send file-meta: %w", err)
	}

	start := time.Now()
	var offset int64
	for offset < info.Size {
		if err := s.waitForBuffer(ctx); err != nil {
			return err
		}

		n := int64(s.opts.ChunkSize)
		if remaining := info.Size - offset; remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: read %d of %d bytes", ErrShortRead, offset, info.Size)
			}
			return fmt.Errorf("read %s: %w", info.Name, err)
		}
		if err := s.ch.Send(buf); err != nil {
			return fmt.Errorf("send fragment at offset %d: %w", offset, err)
		}
		offset += n

		if s.opts.OnProgress != nil {
			s.opts.OnProgress(Progress{
				Direction: Send,
				FileName:  info.Name,
				Bytes:     offset,
				Total:     info.Size,
				Elapsed:   time.Since(start),
			})
		}
	}

	done, _ := json.Marshal(control{Type: typeFileComplete})
	if err := s.ch.SendText(string(done)); err != nil {
		return fmt.Errorf("send file-complete: %w", err)
	}
	s.log.Info("file sent", "name", info.Name, "size", info.Size, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// waitForBuffer blocks while the channel holds more than BufferThreshold
// pending bytes.
func (s *Sender) waitForBuffer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for s.ch.BufferedAmount() > s.opts.BufferThreshold {
		timer := time.NewTimer(s.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.low:
		case <-timer.C:
		}
		timer.Stop()
	}
	return nil
}
