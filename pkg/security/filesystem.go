package security

import (
	"io/fs"
	"os"
	"path/filepath"

	"addinhost/pkg/plugin"
)

// SecureFileSystem is the file access handed to one plugin. Relative names
// resolve against Base.
type SecureFileSystem struct {
	gateway  *Gateway
	pluginID string
	base     string
}

var _ plugin.FileSystem = (*SecureFileSystem)(nil)

func NewSecureFileSystem(g *Gateway, pluginID, base string) *SecureFileSystem {
	return &SecureFileSystem{gateway: g, pluginID: pluginID, base: base}
}

func (s *SecureFileSystem) resolve(name string) string {
	if filepath.IsAbs(name) || s.base == "" {
		return filepath.Clean(name)
	}
	return filepath.Join(s.base, name)
}

func (s *SecureFileSystem) ReadFile(name string) ([]byte, error) {
	path := s.resolve(name)
	if err := s.gateway.CheckFileSystem(s.pluginID, path, "read"); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	return data, ScrubError(err)
}

func (s *SecureFileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	path := s.resolve(name)
	if err := s.gateway.CheckFileSystem(s.pluginID, path, "write"); err != nil {
		return err
	}
	return ScrubError(os.WriteFile(path, data, perm))
}

func (s *SecureFileSystem) ReadDir(name string) ([]fs.DirEntry, error) {
	path := s.resolve(name)
	if err := s.gateway.CheckFileSystem(s.pluginID, path, "list"); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	return entries, ScrubError(err)
}

func (s *SecureFileSystem) Stat(name string) (fs.FileInfo, error) {
	path := s.resolve(name)
	if err := s.gateway.CheckFileSystem(s.pluginID, path, "stat"); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	return info, ScrubError(err)
}

func (s *SecureFileSystem) Remove(name string) error {
	path := s.resolve(name)
	if err := s.gateway.CheckFileSystem(s.pluginID, path, "remove"); err != nil {
		return err
	}
	return ScrubError(os.Remove(path))
}
