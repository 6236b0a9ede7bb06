package transfer

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// File is a completely received transfer.
type File struct {
	Name string
	MIME string
	Size int64
	Data []byte
}

// Sink takes ownership of received files.
type Sink interface {
	Receive(File) error
}

type SinkFunc func(File) error

func (f SinkFunc) Receive(file File) error { return f(file) }

type ReceiverOptions struct {
	MaxFileSize int64
	Logger      *slog.Logger

	OnProgress func(Progress)
	// OnAbort is called when a partially received file is discarded.
	OnAbort func(name string, received int64)
}

// Receiver reassembles transfers arriving on one channel. Messages must be
// delivered in channel order.
type Receiver struct {
	sink Sink
	opts ReceiverOptions
	log  *slog.Logger

	mu       sync.Mutex
	meta     *FileInfo
	chunks   [][]byte
	received int64
	started  time.Time
}

func NewReceiver(sink Sink, opts ReceiverOptions) *Receiver {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Receiver{sink: sink, opts: opts, log: opts.Logger}
}

// Active reports whether a file is currently being received.
func (r *Receiver) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta != nil
}

// HandleMessage consumes one channel message.
func (r *Receiver) HandleMessage(isText bool, data []byte) {
	if isText {
		r.handleControl(data)
		return
	}
	r.handleFragment(data)
}

func (r *Receiver) handleControl(data []byte) {
	var head control
	if err := json.Unmarshal(data, &head); err != nil {
		r.log.Warn("ignoring malformed transfer control message", "err", err)
		return
	}

	switch head.Type {
	case typeFileMeta:
		var meta fileMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			r.log.Warn("ignoring malformed file-meta", "err", err)
			return
		}
		r.start(meta.FileInfo)
	case typeFileComplete:
		r.finish()
	default:
		r.log.Debug("ignoring unknown transfer control message", "type", head.Type)
	}
}

func (r *Receiver) start(info FileInfo) {
	r.mu.Lock()
	prev, prevBytes := r.meta, r.received
	r.reset()
	switch {
	case info.Name == "" || info.Size < 0:
		r.log.Warn("rejecting file-meta with invalid fields", "name", info.Name, "size", info.Size)
	case info.Size > r.opts.MaxFileSize:
		r.log.Warn("rejecting file larger than limit", "name", info.Name, "size", info.Size, "limit", r.opts.MaxFileSize)
	default:
		r.meta = &info
		r.started = time.Now()
	}
	accepted := r.meta != nil
	r.mu.Unlock()

	if prev != nil {
		r.log.Warn("new file-meta replaced unfinished transfer", "name", prev.Name, "received", prevBytes)
		r.aborted(prev.Name, prevBytes)
	}
	if accepted {
		r.log.Info("receiving file", "name", info.Name, "size", info.Size, "mime", info.MIME)
	}
}

func (r *Receiver) handleFragment(data []byte) {
	r.mu.Lock()
	if r.meta == nil {
		r.mu.Unlock()
		r.log.Debug("ignoring fragment outside of a transfer", "bytes", len(data))
		return
	}
	if r.received+int64(len(data)) > r.opts.MaxFileSize {
		name, got := r.meta.Name, r.received
		r.reset()
		r.mu.Unlock()
		r.log.Warn("transfer exceeded size limit, discarding", "name", name, "received", got)
		r.aborted(name, got)
		return
	}

	r.chunks = append(r.chunks, append([]byte(nil), data...))
	r.received += int64(len(data))
	p := Progress{
		Direction: Receive,
		FileName:  r.meta.Name,
		Bytes:     r.received,
		Total:     r.meta.Size,
		Elapsed:   time.Since(r.started),
	}
	r.mu.Unlock()

	if r.opts.OnProgress != nil {
		r.opts.OnProgress(p)
	}
}

func (r *Receiver) finish() {
	r.mu.Lock()
	if r.meta == nil {
		r.mu.Unlock()
		r.log.Warn("file-complete without file-meta, ignoring")
		return
	}
	info := *r.meta
	data := make([]byte, 0, r.received)
	for _, c := range r.chunks {
		data = append(data, c...)
	}
	r.reset()
	r.mu.Unlock()

	if int64(len(data)) != info.Size {
		r.log.Warn("received byte count differs from declared size", "name", info.Name, "declared", info.Size, "received", len(data))
	}

	file := File{Name: info.Name, MIME: info.MIME, Size: int64(len(data)), Data: data}
	if r.sink == nil {
		return
	}
	if err := r.sink.Receive(file); err != nil {
		r.log.Error("store received file", "name", info.Name, "err", err)
		return
	}
	r.log.Info("file received", "name", info.Name, "size", file.Size)
}

// Abort discards any partially received file. It is called when the channel
// closes.
func (r *Receiver) Abort() {
	r.mu.Lock()
	if r.meta == nil {
		r.mu.Unlock()
		return
	}
	name, got := r.meta.Name, r.received
	r.reset()
	r.mu.Unlock()

	r.log.Info("transfer aborted", "name", name, "received", got)
	r.aborted(name, got)
}

func (r *Receiver) aborted(name string, received int64) {
	if r.opts.OnAbort != nil {
		r.opts.OnAbort(name, received)
	}
}

func (r *Receiver) reset() {
	r.meta = nil
	r.chunks = nil
	r.received = 0
	r.started = time.Time{}
}
