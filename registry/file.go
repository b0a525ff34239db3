package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/vless-provisioning-backend/interfaces"
)

// FileRegistry stores each client as <dir>/<credentialID>.json on the local
// file system.
type FileRegistry struct {
	mu  sync.Mutex
	dir string
	seq int64
	log *slog.Logger
}

var _ interfaces.ClientRegistry = (*FileRegistry)(nil)

// NewFileRegistry creates the directory if needed and resumes the id
// sequence from the records already present.
func NewFileRegistry(dir string, log *slog.Logger) (*FileRegistry, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	r := &FileRegistry{dir: dir, log: log}
	clients, err := r.readAll()
	if err != nil {
		return nil, err
	}
	for _, c := range clients {
		if c.ID > r.seq {
			r.seq = c.ID
		}
	}

	log.Info("Using file client registry", slog.String("dir", dir), slog.Int("clients", len(clients)))
	return r, nil
}

func (r *FileRegistry) Create(ctx context.Context, c interfaces.PersistedClient) (interfaces.PersistedClient, error) {
	path, err := r.clientPath(c.CredentialID)
	if err != nil {
		return interfaces.PersistedClient{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: %s", interfaces.ErrClientExists, c.CredentialID)
	}

	r.seq++
	c.ID = r.seq
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(c)
	if err != nil {
		return interfaces.PersistedClient{}, err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return interfaces.PersistedClient{}, fmt.Errorf("failed to write client record: %w", err)
	}

	r.log.Debug("Client stored", slog.String("path", path), slog.Int64("id", c.ID))
	return c, nil
}

func (r *FileRegistry) FindByCredentialID(ctx context.Context, credentialID string) (interfaces.PersistedClient, error) {
	path, err := r.clientPath(credentialID)
	if err != nil {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: %s", interfaces.ErrClientNotFound, credentialID)
	}

	c, err := readClient(path)
	if errors.Is(err, os.ErrNotExist) {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: %s", interfaces.ErrClientNotFound, credentialID)
	}
	return c, err
}

func (r *FileRegistry) Update(ctx context.Context, c interfaces.PersistedClient) (interfaces.PersistedClient, error) {
	path, err := r.clientPath(c.CredentialID)
	if err != nil {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: %s", interfaces.ErrClientNotFound, c.CredentialID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := readClient(path)
	if errors.Is(err, os.ErrNotExist) {
		return interfaces.PersistedClient{}, fmt.Errorf("%w: %s", interfaces.ErrClientNotFound, c.CredentialID)
	}
	if err != nil {
		return interfaces.PersistedClient{}, err
	}
	c.ID = stored.ID
	c.CreatedAt = stored.CreatedAt

	data, err := json.Marshal(c)
	if err != nil {
		return interfaces.PersistedClient{}, err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return interfaces.PersistedClient{}, fmt.Errorf("failed to write client record: %w", err)
	}
	return c, nil
}

func (r *FileRegistry) Delete(ctx context.Context, credentialID string) error {
	path, err := r.clientPath(credentialID)
	if err != nil {
		return fmt.Errorf("%w: %s", interfaces.ErrClientNotFound, credentialID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", interfaces.ErrClientNotFound, credentialID)
		}
		return fmt.Errorf("failed to delete client record: %w", err)
	}
	return nil
}

func (r *FileRegistry) ListActive(ctx context.Context) ([]interfaces.PersistedClient, error) {
	clients, err := r.readAll()
	if err != nil {
		return nil, err
	}

	active := make([]interfaces.PersistedClient, 0, len(clients))
	for _, c := range clients {
		if c.IsActive {
			active = append(active, c)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

func (r *FileRegistry) readAll() ([]interfaces.PersistedClient, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry directory: %w", err)
	}

	clients := make([]interfaces.PersistedClient, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		c, err := readClient(filepath.Join(r.dir, e.Name()))
		if err != nil {
			r.log.Warn("Skipping unreadable client record", slog.String("file", e.Name()), "err", err)
			continue
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// clientPath rejects ids that would escape the registry directory.
func (r *FileRegistry) clientPath(credentialID string) (string, error) {
	if credentialID == "" || credentialID == "." || credentialID == ".." ||
		strings.ContainsAny(credentialID, `/\`) {
		return "", fmt.Errorf("%w: invalid credential id %q", interfaces.ErrIllegalState, credentialID)
	}
	return filepath.Join(r.dir, credentialID+".json"), nil
}

func readClient(path string) (interfaces.PersistedClient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return interfaces.PersistedClient{}, err
	}
	var c interfaces.PersistedClient
	if err := json.Unmarshal(data, &c); err != nil {
		return interfaces.PersistedClient{}, fmt.Errorf("corrupt client record %s: %w", filepath.Base(path), err)
	}
	return c, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".client-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
