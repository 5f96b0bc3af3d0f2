package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/ini.v1"

	"batchsync/internal/model"
)

var ErrUnknownServer = errors.New("unknown server")

// Mirror is the INI file adapters resolve server connections from. The
// executor rewrites it from the metadata store before every run.
type Mirror struct {
	path string
	mu   sync.RWMutex
}

func NewMirror(path string) *Mirror {
	return &Mirror{path: path}
}

func (m *Mirror) Path() string { return m.path }

// Write replaces the mirror with one section per server.
func (m *Mirror) Write(servers []model.ServerConfig) error {
	f := ini.Empty()
	for _, s := range servers {
		sec, err := f.NewSection(s.Name)
		if err != nil {
			return fmt.Errorf("mirror server %q: %w", s.Name, err)
		}
		sec.Key("type").SetValue(string(s.Type))
		sec.Key("host").SetValue(s.Host)
		sec.Key("port").SetValue(fmt.Sprint(s.Port))
		sec.Key("database").SetValue(s.Database)
		sec.Key("user").SetValue(s.User)
		sec.Key("password").SetValue(s.Password)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".servers-*.ini")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write mirror: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.path)
}

// Read parses every server section of the mirror. A missing file yields no
// servers.
func (m *Mirror) Read() ([]model.ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := os.Stat(m.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, m.path)
	if err != nil {
		return nil, fmt.Errorf("load mirror: %w", err)
	}

	var servers []model.ServerConfig
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		port, err := sec.Key("port").Int()
		if err != nil {
			return nil, fmt.Errorf("server %q: invalid port: %w", sec.Name(), err)
		}
		servers = append(servers, model.ServerConfig{
			Name:     sec.Name(),
			Type:     model.ParseFamily(sec.Key("type").String()),
			Host:     sec.Key("host").String(),
			Port:     port,
			Database: sec.Key("database").String(),
			User:     sec.Key("user").String(),
			Password: sec.Key("password").String(),
		})
	}
	return servers, nil
}

// Resolve returns the connection of the named server.
func (m *Mirror) Resolve(name string) (model.Connection, error) {
	servers, err := m.Read()
	if err != nil {
		return model.Connection{}, err
	}
	for i := range servers {
		if servers[i].Name == name {
			return servers[i].Connection(), nil
		}
	}
	return model.Connection{}, fmt.Errorf("%w: %q", ErrUnknownServer, name)
}
