// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisor

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// recordWatcher watches the pid record's parent directory and emits a hint
// whenever the record changes, so the control loop can verify before the
// next poll tick. Hints are coalesced; polling remains the correctness
// mechanism and the watcher is purely an accelerator.
type recordWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	hints   chan struct{}
	logger  *slog.Logger
	done    chan struct{}
}

// newRecordWatcher starts watching the directory containing path.
// The directory must exist; the record file itself need not.
func newRecordWatcher(path string, logger *slog.Logger) (*recordWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to resolve pid record path: %w", err)
	}

	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch pid record directory: %w", err)
	}

	w := &recordWatcher{
		path:    absPath,
		watcher: fsw,
		hints:   make(chan struct{}, 1),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Hints returns the coalesced change notification channel.
func (w *recordWatcher) Hints() <-chan struct{} {
	return w.hints
}

// Close stops the watcher.
func (w *recordWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *recordWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			select {
			case w.hints <- struct{}{}:
			default:
				// A hint is already pending; the next verification
				// covers this change too.
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("pid record watcher error", slog.Any("error", err))
		}
	}
}
