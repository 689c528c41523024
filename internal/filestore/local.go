package filestore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/apphub-io/timestore/internal/config"
)

// LocalSource turns fsnotify events on a watched directory tree into
// activity events, for deployments without an external event channel.
type LocalSource struct {
	watcher *fsnotify.Watcher
	root    string
	mountID string
	seq     atomic.Int64
	logger  *slog.Logger
}

var _ Source = (*LocalSource)(nil)

// NewLocalSource watches root and its existing subdirectories. New
// subdirectories are added to the watch as their create events arrive.
func NewLocalSource(root string) (*LocalSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	source := &LocalSource{
		watcher: watcher,
		root:    root,
		mountID: config.GetEnvStr("APPHUB_FILESTORE_MOUNT_ID", "local"),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return watcher.Add(path)
		}

		return nil
	})
	if err != nil {
		_ = watcher.Close()

		return nil, err
	}

	return source, nil
}

// Next blocks for the next relevant filesystem change.
func (s *LocalSource) Next(ctx context.Context) (*Event, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case fe, ok := <-s.watcher.Events:
			if !ok {
				return nil, io.EOF
			}

			if event := s.translate(fe); event != nil {
				return event, nil
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil, io.EOF
			}

			s.logger.Warn("filesystem watcher error", "error", err)
		}
	}
}

// Close stops the watcher; a blocked Next returns io.EOF.
func (s *LocalSource) Close() error {
	return s.watcher.Close()
}

func (s *LocalSource) translate(fe fsnotify.Event) *Event {
	eventType, state := classifyOp(fe.Op)
	if eventType == "" {
		return nil
	}

	var size int64

	if info, err := os.Stat(fe.Name); err == nil {
		if info.IsDir() {
			if eventType == "created" {
				// Extend the watch into new subtrees.
				if err := s.watcher.Add(fe.Name); err != nil {
					s.logger.Warn("failed to watch new directory", "path", fe.Name, "error", err)
				}
			}

			return nil
		}

		size = info.Size()
	}

	nodeID := fe.Name
	if rel, err := filepath.Rel(s.root, fe.Name); err == nil {
		nodeID = rel
	}

	return &Event{
		ObservedAt:       time.Now().UTC(),
		EventType:        eventType,
		NodeID:           nodeID,
		BackendMountID:   s.mountID,
		Path:             fe.Name,
		State:            state,
		ConsistencyState: "observed",
		SizeBytes:        size,
		JournalID:        s.seq.Add(1),
	}
}

// classifyOp maps an fsnotify operation to an activity event type and node
// state. Chmod-only changes are noise and map to nothing.
func classifyOp(op fsnotify.Op) (eventType, state string) {
	switch {
	case op.Has(fsnotify.Create):
		return "created", "active"
	case op.Has(fsnotify.Write):
		return "updated", "active"
	case op.Has(fsnotify.Remove):
		return "deleted", "deleted"
	case op.Has(fsnotify.Rename):
		return "renamed", "moved"
	default:
		return "", ""
	}
}
