package raft

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mvance/raftcore/internal/errors"
	"github.com/mvance/raftcore/internal/raftpb"
)

var errSnapshotStorageNotOpen = errors.New("snapshot storage is not open")

// SnapshotMetadata identifies the latest snapshot: the log prefix it
// supersedes and when it was taken. Only the latest metadata record
// is authoritative; older blobs may remain on disk without being
// referenced by anything (see spec.md 3).
type SnapshotMetadata struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	CreatedAt         time.Time
}

// SnapshotStorage is the Durable Store component responsible for
// snapshot blobs and metadata, per spec.md 4.1.
type SnapshotStorage interface {
	Open() error
	Close() error

	// SaveSnapshotMetadata atomically replaces the latest-snapshot
	// pointer.
	SaveSnapshotMetadata(meta SnapshotMetadata) error

	// LoadSnapshotMetadata returns the latest persisted metadata, or
	// nil if no snapshot has ever been taken.
	LoadSnapshotMetadata() (*SnapshotMetadata, error)

	// WriteSnapshotBlob durably writes data under a name derived from
	// index. If compress is true the blob is gzipped on disk and
	// transparently gunzipped by ReadSnapshotBlob.
	WriteSnapshotBlob(index uint64, data []byte, compress bool) error

	// ReadSnapshotBlob returns the blob for index, decompressing it
	// first if it was written compressed.
	ReadSnapshotBlob(index uint64) ([]byte, error)
}

type persistentSnapshotStorage struct {
	dir  string
	open bool
}

// NewSnapshotStorage creates a SnapshotStorage rooted at
// <path>/snapshots.
func NewSnapshotStorage(path string) SnapshotStorage {
	return &persistentSnapshotStorage{dir: filepath.Join(path, "snapshots")}
}

func (s *persistentSnapshotStorage) Open() error {
	if err := os.MkdirAll(s.dir, 0o777); err != nil {
		return StorageError{Op: "open snapshot storage", Err: err}
	}
	s.open = true
	return nil
}

func (s *persistentSnapshotStorage) Close() error {
	s.open = false
	return nil
}

func (s *persistentSnapshotStorage) metadataPath() string {
	return filepath.Join(s.dir, "metadata")
}

func (s *persistentSnapshotStorage) blobPath(index uint64, compressed bool) string {
	name := fmt.Sprintf("snapshot_%020d", index)
	if compressed {
		name += ".gz"
	}
	return filepath.Join(s.dir, name)
}

func (s *persistentSnapshotStorage) SaveSnapshotMetadata(meta SnapshotMetadata) error {
	if !s.open {
		return errSnapshotStorageNotOpen
	}

	tmpFile, err := os.CreateTemp(s.dir, "metadata-"+uuid.NewString()+"-*.tmp")
	if err != nil {
		return StorageError{Op: "save snapshot metadata", Err: err}
	}
	pb := &raftpb.SnapshotMetadata{
		LastIncludedIndex: meta.LastIncludedIndex,
		LastIncludedTerm:  meta.LastIncludedTerm,
		CreatedAtUnixNano: meta.CreatedAt.UnixNano(),
	}
	if err := raftpb.WriteMessage(tmpFile, pb); err != nil {
		return StorageError{Op: "save snapshot metadata", Err: err}
	}
	if err := tmpFile.Sync(); err != nil {
		return StorageError{Op: "save snapshot metadata", Err: err}
	}
	if err := tmpFile.Close(); err != nil {
		return StorageError{Op: "save snapshot metadata", Err: err}
	}
	if err := os.Rename(tmpFile.Name(), s.metadataPath()); err != nil {
		return StorageError{Op: "save snapshot metadata", Err: err}
	}
	return nil
}

func (s *persistentSnapshotStorage) LoadSnapshotMetadata() (*SnapshotMetadata, error) {
	if !s.open {
		return nil, errSnapshotStorageNotOpen
	}

	file, err := os.Open(s.metadataPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, StorageError{Op: "load snapshot metadata", Err: err}
	}
	defer file.Close()

	var pb raftpb.SnapshotMetadata
	if err := raftpb.ReadMessage(file, &pb); err != nil {
		// A half-written metadata record is treated as "no snapshot",
		// per spec.md 4.3's failure semantics.
		return nil, nil
	}

	return &SnapshotMetadata{
		LastIncludedIndex: pb.LastIncludedIndex,
		LastIncludedTerm:  pb.LastIncludedTerm,
		CreatedAt:         time.Unix(0, pb.CreatedAtUnixNano),
	}, nil
}

func (s *persistentSnapshotStorage) WriteSnapshotBlob(index uint64, data []byte, compress bool) error {
	if !s.open {
		return errSnapshotStorageNotOpen
	}

	tmpFile, err := os.CreateTemp(s.dir, "blob-"+uuid.NewString()+"-*.tmp")
	if err != nil {
		return StorageError{Op: "write snapshot blob", Err: err}
	}

	if compress {
		gz := gzip.NewWriter(tmpFile)
		if _, err := gz.Write(data); err != nil {
			return StorageError{Op: "write snapshot blob", Err: err}
		}
		if err := gz.Close(); err != nil {
			return StorageError{Op: "write snapshot blob", Err: err}
		}
	} else {
		if _, err := tmpFile.Write(data); err != nil {
			return StorageError{Op: "write snapshot blob", Err: err}
		}
	}

	if err := tmpFile.Sync(); err != nil {
		return StorageError{Op: "write snapshot blob", Err: err}
	}
	if err := tmpFile.Close(); err != nil {
		return StorageError{Op: "write snapshot blob", Err: err}
	}
	if err := os.Rename(tmpFile.Name(), s.blobPath(index, compress)); err != nil {
		return StorageError{Op: "write snapshot blob", Err: err}
	}
	return nil
}

func (s *persistentSnapshotStorage) ReadSnapshotBlob(index uint64) ([]byte, error) {
	if !s.open {
		return nil, errSnapshotStorageNotOpen
	}

	compressedPath := s.blobPath(index, true)
	if data, err := os.ReadFile(compressedPath); err == nil {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, StorageError{Op: "read snapshot blob", Err: err}
		}
		defer gz.Close()
		out, err := io.ReadAll(gz)
		if err != nil {
			return nil, StorageError{Op: "read snapshot blob", Err: err}
		}
		return out, nil
	}

	data, err := os.ReadFile(s.blobPath(index, false))
	if err != nil {
		return nil, StorageError{Op: "read snapshot blob", Err: err}
	}
	return data, nil
}
