package team

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/troupelabs/troupe/internal/common/logger"
	"github.com/troupelabs/troupe/pkg/envelope"
)

// StorageService gives team members a shared file area under a temporary
// directory. Paths are relative; traversal out of the root is rejected.
type StorageService struct {
	root   string
	logger *logger.Logger
}

// NewStorageService creates the shared area under the OS temp directory.
func NewStorageService(teamName string, log *logger.Logger) (*StorageService, error) {
	root, err := os.MkdirTemp("", "troupe-"+teamName+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create team storage: %w", err)
	}
	return &StorageService{
		root:   root,
		logger: log.WithFields(zap.String("component", "team_storage"), zap.String("root", root)),
	}, nil
}

// Name returns the tool name members address.
func (s *StorageService) Name() string {
	return "storage"
}

// Root returns the storage directory, mainly for cleanup.
func (s *StorageService) Root() string {
	return s.root
}

// Cleanup removes the storage directory and everything in it.
func (s *StorageService) Cleanup() error {
	return os.RemoveAll(s.root)
}

// Handle dispatches a storage action from a team_service envelope.
func (s *StorageService) Handle(ctx context.Context, action envelope.Action, msg *envelope.Envelope) (any, error) {
	switch action.ActionName {
	case "list":
		files, err := s.List()
		if err != nil {
			return nil, err
		}
		return map[string]any{"files": files}, nil

	case "read":
		path := stringParam(action.Parameters, "path")
		content, err := s.Read(path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "content": content}, nil

	case "write":
		path := stringParam(action.Parameters, "path")
		content := stringParam(action.Parameters, "content")
		if err := s.Write(path, content); err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "written": true}, nil

	case "delete":
		path := stringParam(action.Parameters, "path")
		if err := s.Remove(path); err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "deleted": true}, nil

	default:
		return nil, fmt.Errorf("unknown storage action %q", action.ActionName)
	}
}

// List returns the relative paths of all stored files, sorted.
func (s *StorageService) List() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Read returns a file's content.
func (s *StorageService) Read(path string) (string, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file %q does not exist", path)
		}
		return "", err
	}
	return string(data), nil
}

// Write creates or replaces a file, creating parent directories as needed.
func (s *StorageService) Write(path, content string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return err
	}
	s.logger.Debug("Stored file written", zap.String("path", path))
	return nil
}

// Remove deletes a file.
func (s *StorageService) Remove(path string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file %q does not exist", path)
		}
		return err
	}
	return nil
}

func (s *StorageService) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes team storage", path)
	}
	return filepath.Join(s.root, clean), nil
}
