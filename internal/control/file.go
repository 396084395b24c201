package control

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// maxPayload caps how much of a control file is read.
const maxPayload = 4096

// File is a stop control backed by a control file. It implements the
// watcher's StopControl interface.
type File struct {
	path   string
	logger *slog.Logger
}

// NewFile returns a file control for path. A nil logger uses
// slog.Default().
func NewFile(path string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: filepath.Clean(path), logger: logger}
}

// Path returns the watched control file path.
func (f *File) Path() string { return f.path }

// Listen watches the control file's directory and calls handler with
// the action of every control file written there. A control file left
// over from a previous run is removed without being acted on. Each
// handler call runs on its own goroutine, so the handler may close the
// returned registration.
func (f *File) Listen(handler func(action string)) (io.Closer, error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}

	if err := os.Remove(f.path); err == nil {
		f.logger.Warn("removed stale control file", "path", f.path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("clear control file: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create control watcher: %w", err)
	}
	// The directory is watched rather than the file so creation and
	// atomic renames are seen.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	reg := &fileRegistration{
		fw:   fw,
		done: make(chan struct{}),
	}
	reg.wg.Add(1)
	go func() {
		defer reg.wg.Done()
		f.loop(reg, handler)
	}()

	f.logger.Debug("control file armed", "path", f.path)
	return reg, nil
}

func (f *File) loop(reg *fileRegistration, handler func(string)) {
	for {
		select {
		case event, ok := <-reg.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			action, ok := f.consume()
			if !ok {
				continue
			}
			f.logger.Info("control action received", "action", action, "path", f.path)
			go handler(action)

		case err, ok := <-reg.fw.Errors:
			if !ok {
				return
			}
			f.logger.Warn("control watcher error", "path", f.path, "error", err)

		case <-reg.done:
			return
		}
	}
}

// consume reads and removes the control file. An empty file is left in
// place; a writer that creates before writing is followed by a Write
// event.
func (f *File) consume() (string, bool) {
	fh, err := os.Open(f.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			f.logger.Warn("read control file failed", "path", f.path, "error", err)
		}
		return "", false
	}
	data, err := io.ReadAll(io.LimitReader(fh, maxPayload))
	fh.Close()
	if err != nil {
		f.logger.Warn("read control file failed", "path", f.path, "error", err)
		return "", false
	}
	if len(data) == 0 {
		return "", false
	}

	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		f.logger.Warn("remove control file failed", "path", f.path, "error", err)
	}

	action := ParseAction(data)
	if action == "" {
		f.logger.Warn("unparseable control file", "path", f.path, "bytes", len(data))
		return "", false
	}
	return action, true
}

type fileRegistration struct {
	fw   *fsnotify.Watcher
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	err  error
}

// Close stops watching. It waits for the watch loop to exit but never
// for an in-flight handler. Safe to call multiple times.
func (r *fileRegistration) Close() error {
	r.once.Do(func() {
		close(r.done)
		r.err = r.fw.Close()
		r.wg.Wait()
	})
	return r.err
}

// Send writes action to the control file at path. The file is written
// under a temporary name and renamed into place so the listener never
// sees a partial payload.
func Send(path, action string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".proxwatch-control-*")
	if err != nil {
		return fmt.Errorf("create control file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(action + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write control file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write control file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install control file: %w", err)
	}
	return nil
}
