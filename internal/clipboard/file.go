package clipboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/fxamacker/cbor/v2"

	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/util"
)

// DefaultDebounce coalesces the burst of events an editor save produces
const DefaultDebounce = 250 * time.Millisecond

// snapshotMagic prefixes a multi-item snapshot. Anything else in the file is
// read as a single text/plain item.
var snapshotMagic = []byte("CLIPBIRD\x00")

type snapshot struct {
	Items []snapshotItem `cbor:"1,keyasint"`
}

type snapshotItem struct {
	MimeType string `cbor:"1,keyasint"`
	Payload  []byte `cbor:"2,keyasint"`
}

// File is a clipboard backed by a single file. Changes made by other programs
// are picked up with fsnotify; writes made through Set are not reported back.
// Set never touches the disk itself: a writer goroutine persists the latest
// snapshot, so Set is safe to call from the control loop.
type File struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	subs     listeners
	write    func(path string, data []byte) error

	mu          sync.Mutex
	pending     *time.Timer
	lastWritten string // hash of the bytes Set wrote
	lastSeen    string // hash of the bytes last reported or written
	unwritten   []byte // latest Set not yet on disk
	seq         uint64 // bumped by every Set
	wake        chan struct{}
	writerDone  chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewFile creates a file clipboard at path. The parent directory is created
// when missing.
func NewFile(path string, debounce time.Duration, logger *slog.Logger) (*File, error) {
	if path == "" {
		return nil, errors.New("clipboard: file path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve clipboard path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create clipboard directory: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &File{
		path:       abs,
		debounce:   debounce,
		logger:     logger.With("component", "clipboard", "path", abs),
		write:      writeAtomic,
		wake:       make(chan struct{}, 1),
		writerDone: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	go f.writeLoop()
	return f, nil
}

// Start begins watching. The directory is watched rather than the file so that
// editors replacing the file by rename are still seen.
func (f *File) Start() error {
	var startErr error
	f.startOnce.Do(func() {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			startErr = fmt.Errorf("failed to create watcher: %w", err)
			return
		}
		if err := w.Add(filepath.Dir(f.path)); err != nil {
			w.Close()
			startErr = fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.path), err)
			return
		}
		f.watcher = w

		if raw, err := os.ReadFile(f.path); err == nil {
			f.mu.Lock()
			f.lastSeen = util.ComputeHash(raw)
			f.mu.Unlock()
		}

		go f.processEvents()
		f.logger.Info("Watching clipboard file")
	})
	return startErr
}

// Close stops watching, cancels a pending notification and waits for the
// writer. A snapshot still unwritten at that point is dropped.
func (f *File) Close() error {
	var err error
	f.stopOnce.Do(func() {
		f.cancel()
		<-f.writerDone
		f.mu.Lock()
		if f.pending != nil {
			f.pending.Stop()
			f.pending = nil
		}
		f.mu.Unlock()
		if f.watcher != nil {
			err = f.watcher.Close()
		}
	})
	return err
}

func (f *File) processEvents() {
	for {
		select {
		case <-f.ctx.Done():
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			f.schedule()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("Watcher error", "error", err)
		}
	}
}

func (f *File) schedule() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending != nil {
		f.pending.Stop()
	}
	f.pending = time.AfterFunc(f.debounce, f.processChange)
}

func (f *File) processChange() {
	if f.ctx.Err() != nil {
		return
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("Failed to read clipboard file", "error", err)
		}
		return
	}
	hash := util.ComputeHash(raw)

	f.mu.Lock()
	f.pending = nil
	repeat := hash == f.lastSeen || hash == f.lastWritten
	f.lastSeen = hash
	f.mu.Unlock()

	if repeat {
		f.logger.Debug("Skipping unchanged clipboard file")
		return
	}
	items, err := decodeFile(raw)
	if err != nil {
		f.logger.Warn("Failed to decode clipboard file", "error", err)
		return
	}
	f.logger.Debug("Clipboard file changed", "items", content.Summary(items))
	f.subs.notify(items)
}

// Get returns the latest Set still waiting to be written, or else reads the
// file. A missing file is an empty clipboard.
func (f *File) Get() ([]content.Item, error) {
	f.mu.Lock()
	unwritten := f.unwritten
	f.mu.Unlock()
	if unwritten != nil {
		return decodeFile(bytes.Clone(unwritten))
	}

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read clipboard file: %w", err)
	}
	return decodeFile(raw)
}

// Set queues items for the writer and returns without waiting for the disk.
// Only encoding errors are returned; write failures are logged.
func (f *File) Set(items []content.Item) error {
	raw, err := encodeFile(items)
	if err != nil {
		return err
	}
	if f.ctx.Err() != nil {
		return errors.New("clipboard: file clipboard is closed")
	}
	hash := util.ComputeHash(raw)

	f.mu.Lock()
	f.lastWritten = hash
	f.lastSeen = hash
	f.unwritten = raw
	f.seq++
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

// writeLoop persists the newest snapshot. Snapshots queued while a write is in
// flight collapse into one.
func (f *File) writeLoop() {
	defer close(f.writerDone)
	cfg := util.DefaultRetryConfig()
	cfg.Jitter = false
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.wake:
		}

		f.mu.Lock()
		raw, seq := f.unwritten, f.seq
		f.mu.Unlock()
		if raw == nil {
			continue
		}

		err := util.Retry(f.ctx, cfg, func(context.Context) error {
			return f.write(f.path, raw)
		}, nil)
		if err != nil {
			if f.ctx.Err() == nil {
				f.logger.Error("Failed to write clipboard file", "error", err)
			}
			continue
		}

		f.mu.Lock()
		if f.seq == seq {
			f.unwritten = nil
		}
		f.mu.Unlock()
	}
}

func (f *File) Subscribe(fn Listener) func() {
	return f.subs.subscribe(fn)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".clipbird-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// encodeFile writes a lone text item as plain bytes so the file stays editable
func encodeFile(items []content.Item) ([]byte, error) {
	if len(items) == 1 && items[0].MimeType == content.MimeTextPlain && !bytes.HasPrefix(items[0].Payload, snapshotMagic) {
		return bytes.Clone(items[0].Payload), nil
	}
	snap := snapshot{Items: make([]snapshotItem, len(items))}
	for i, it := range items {
		snap.Items[i] = snapshotItem{MimeType: it.MimeType, Payload: it.Payload}
	}
	body, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode clipboard: %w", err)
	}
	return append(bytes.Clone(snapshotMagic), body...), nil
}

func decodeFile(raw []byte) ([]content.Item, error) {
	if !bytes.HasPrefix(raw, snapshotMagic) {
		if len(raw) == 0 {
			return nil, nil
		}
		return []content.Item{{MimeType: content.MimeTextPlain, Payload: raw}}, nil
	}
	var snap snapshot
	if err := cbor.Unmarshal(raw[len(snapshotMagic):], &snap); err != nil {
		return nil, fmt.Errorf("failed to decode clipboard: %w", err)
	}
	items := make([]content.Item, len(snap.Items))
	for i, it := range snap.Items {
		payload := it.Payload
		if payload == nil {
			payload = []byte{}
		}
		items[i] = content.Item{MimeType: it.MimeType, Payload: payload}
	}
	return items, nil
}
