package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"gihan9a/collabsync/internal/utils"
	"gihan9a/collabsync/pkg/editorproto"

	"github.com/fsnotify/fsnotify"
)

const docExt = ".json"

// FileStore keeps every document as a JSON file under a root directory.
// A document id maps to a relative path: "/notes/today" is notes/today.json.
type FileStore struct {
	root string

	mu      sync.Mutex
	written map[string]string // id -> hash of the last content this process wrote
	watcher *fsnotify.Watcher
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create document directory: %w", err)
	}
	return &FileStore{root: root, written: make(map[string]string)}, nil
}

// pathFromID converts a document id to a file path inside the root
func (s *FileStore) pathFromID(id string) string {
	rel := strings.TrimPrefix(path.Clean("/"+id), "/")
	return filepath.Join(s.root, filepath.FromSlash(rel)+docExt)
}

// idFromPath converts a file path under the root back to a document id
func (s *FileStore) idFromPath(p string) (string, error) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return "", err
	}
	id := filepath.ToSlash(strings.TrimSuffix(rel, docExt))
	if !strings.HasPrefix(id, "/") {
		id = "/" + id
	}
	return id, nil
}

func (s *FileStore) Load(ctx context.Context, id string) ([]editorproto.Node, error) {
	data, err := os.ReadFile(s.pathFromID(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading document %s: %w", id, err)
	}
	return decode(data)
}

func (s *FileStore) Save(ctx context.Context, id string, nodes []editorproto.Node) error {
	data, err := encode(nodes)
	if err != nil {
		return err
	}
	p := s.pathFromID(id)
	prev, _ := os.ReadFile(p)
	if unchanged(prev, data) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", id, err)
	}

	s.mu.Lock()
	s.written[id] = utils.CalculateHash(data)
	s.mu.Unlock()

	// write then rename so the watcher never sees a half-written file
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("error writing document %s: %w", id, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("error writing document %s: %w", id, err)
	}
	log.Printf("Saved document %s to %s", id, p)
	return nil
}

// Watch reports documents whose files were changed by another program.
// Writes made through Save are recognized by their content hash and ignored.
func (s *FileStore) Watch(ctx context.Context, onChange func(id string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	err = filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to set up file watchers: %w", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go s.watchFiles(ctx, watcher, onChange)
	return nil
}

func (s *FileStore) watchFiles(ctx context.Context, watcher *fsnotify.Watcher, onChange func(id string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					watcher.Add(event.Name)
					continue
				}
			}
			if !strings.HasSuffix(event.Name, docExt) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			id, err := s.idFromPath(event.Name)
			if err != nil {
				log.Printf("Error determining document id: %v", err)
				continue
			}
			if s.ownWrite(id, event.Name) {
				continue
			}
			log.Printf("File changed: %s, document: %s", event.Name, id)
			onChange(id)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

// ownWrite reports whether the file still holds what Save last wrote for id
func (s *FileStore) ownWrite(id, p string) bool {
	data, err := os.ReadFile(p)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written[id] == utils.CalculateHash(data)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}
