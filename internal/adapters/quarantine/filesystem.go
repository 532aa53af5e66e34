package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mikey/phishguard/internal/core"
	"go.uber.org/zap"
)

// FilesystemStore keeps one directory per case under root:
//
//	<root>/<id>/original.eml
//	<root>/<id>/attachments/<n>-<filename>
//	<root>/<id>/manifest.json
type FilesystemStore struct {
	root   string
	logger *zap.Logger
}

// NewFilesystemStore creates the root directory if needed
func NewFilesystemStore(root string, logger *zap.Logger) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create quarantine directory: %w", err)
	}
	return &FilesystemStore{root: root, logger: logger}, nil
}

// Store writes the original and its attachments, then the manifest
func (s *FilesystemStore) Store(ctx context.Context, snap *core.QuarantineSnapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrStorage, err)
	}

	dir := filepath.Join(s.root, caseKey(snap.CaseID))
	if err := os.MkdirAll(filepath.Join(dir, attachDir), 0o750); err != nil {
		return "", fmt.Errorf("%w: failed to create case directory: %v", core.ErrStorage, err)
	}

	m := newManifest(snap)

	if err := writeFileAtomic(filepath.Join(dir, originalName), snap.Raw); err != nil {
		return "", err
	}
	for i, a := range snap.Attachments {
		if err := writeFileAtomic(filepath.Join(dir, attachDir, m.Attachments[i].StoredName), a.Data); err != nil {
			return "", err
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode manifest: %v", core.ErrStorage, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, manifestName), data); err != nil {
		return "", err
	}

	s.logger.Debug("Message quarantined",
		zap.Int64("case_id", snap.CaseID),
		zap.String("digest", m.Digest),
		zap.Int("attachments", len(snap.Attachments)))

	return m.Digest, nil
}

// Load reads and verifies the snapshot of a case
func (s *FilesystemStore) Load(ctx context.Context, id int64) (*core.QuarantineSnapshot, error) {
	dir := filepath.Join(s.root, caseKey(id))

	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("quarantine snapshot %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read manifest: %v", core.ErrStorage, err)
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(dir, originalName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("quarantine snapshot %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read original message: %v", core.ErrStorage, err)
	}

	attachments := make(map[string][]byte, len(m.Attachments))
	for _, a := range m.Attachments {
		payload, err := os.ReadFile(filepath.Join(dir, attachDir, a.StoredName))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: failed to read attachment: %v", core.ErrStorage, err)
		}
		if err == nil {
			attachments[a.StoredName] = payload
		}
	}

	return m.snapshot(raw, attachments)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", core.ErrStorage, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to write %s: %v", core.ErrStorage, filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to sync %s: %v", core.ErrStorage, filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close %s: %v", core.ErrStorage, filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: failed to rename %s: %v", core.ErrStorage, filepath.Base(path), err)
	}
	return nil
}
