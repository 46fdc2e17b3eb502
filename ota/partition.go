package ota

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/eddielth/ha-agent/logger"
	"github.com/eddielth/ha-agent/storage"
)

// Partition is the platform's boot-partition verification API
type Partition interface {
	// PendingVerify reports whether the running image still awaits confirmation
	PendingVerify() (bool, error)
	// MarkValid confirms the running image
	MarkValid() error
	// Rollback selects the previous image for the next boot
	Rollback() error
}

// Slot receives a new firmware image
type Slot interface {
	Stage() (ImageWriter, error)
}

// ImageWriter is a staged image. Commit makes it the next boot image, Abort discards it.
type ImageWriter interface {
	io.Writer
	Commit() error
	Abort() error
}

// PartitionRecordKey is the record holding the boot slot state
const PartitionRecordKey = "partition"

const (
	slotA = "a"
	slotB = "b"

	bootValid         = "valid"
	bootPendingVerify = "pending_verify"
)

type partitionRecord struct {
	Active   string `json:"active"`
	Previous string `json:"previous,omitempty"`
	State    string `json:"state"`
}

// FilePartition keeps two image slots in a directory and tracks which one
// boots next in a record. The launcher boots ActiveImage().
type FilePartition struct {
	dir   string
	store storage.RecordStore
	mu    sync.Mutex
}

// NewFilePartition prepares dir and the partition record
func NewFilePartition(dir string, store storage.RecordStore) (*FilePartition, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create partition dir %s failed: %w", dir, err)
	}
	return &FilePartition{dir: dir, store: store}, nil
}

func (p *FilePartition) load() (partitionRecord, error) {
	var rec partitionRecord
	err := p.store.Load(PartitionRecordKey, &rec)
	if errors.Is(err, storage.ErrRecordNotFound) {
		return partitionRecord{Active: slotA, State: bootValid}, nil
	}
	if err != nil {
		return rec, fmt.Errorf("load partition record: %w", err)
	}
	if rec.Active != slotA && rec.Active != slotB {
		rec.Active = slotA
	}
	return rec, nil
}

func (p *FilePartition) imagePath(slot string) string {
	return filepath.Join(p.dir, slot+".img")
}

// ActiveImage returns the image path that boots next
func (p *FilePartition) ActiveImage() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.load()
	if err != nil {
		return "", err
	}
	return p.imagePath(rec.Active), nil
}

// PendingVerify implements Partition
func (p *FilePartition) PendingVerify() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.load()
	if err != nil {
		return false, err
	}
	return rec.State == bootPendingVerify, nil
}

// MarkValid implements Partition
func (p *FilePartition) MarkValid() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.load()
	if err != nil {
		return err
	}
	if rec.State == bootValid {
		return nil
	}
	rec.State = bootValid
	return p.store.Save(PartitionRecordKey, rec)
}

// Rollback implements Partition
func (p *FilePartition) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.load()
	if err != nil {
		return err
	}
	if rec.Previous == "" {
		return errors.New("ota: no previous image to roll back to")
	}
	logger.Warn("rolling back boot slot %s -> %s", rec.Active, rec.Previous)
	rec.Active, rec.Previous = rec.Previous, ""
	rec.State = bootValid
	return p.store.Save(PartitionRecordKey, rec)
}

// Stage implements Slot. The image is written to the inactive slot.
func (p *FilePartition) Stage() (ImageWriter, error) {
	p.mu.Lock()
	rec, err := p.load()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	target := slotB
	if rec.Active == slotB {
		target = slotA
	}

	f, err := os.CreateTemp(p.dir, target+".img.*.part")
	if err != nil {
		return nil, fmt.Errorf("create staged image failed: %w", err)
	}
	return &stagedImage{p: p, f: f, slot: target}, nil
}

type stagedImage struct {
	p    *FilePartition
	f    *os.File
	slot string
	done bool
}

func (s *stagedImage) Write(b []byte) (int, error) {
	return s.f.Write(b)
}

func (s *stagedImage) Commit() error {
	if s.done {
		return errors.New("ota: staged image already closed")
	}
	s.done = true

	if err := s.f.Sync(); err != nil {
		s.f.Close()
		os.Remove(s.f.Name())
		return fmt.Errorf("sync staged image: %w", err)
	}
	if err := s.f.Close(); err != nil {
		os.Remove(s.f.Name())
		return fmt.Errorf("close staged image: %w", err)
	}
	if err := os.Rename(s.f.Name(), s.p.imagePath(s.slot)); err != nil {
		os.Remove(s.f.Name())
		return fmt.Errorf("install staged image: %w", err)
	}

	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	rec, err := s.p.load()
	if err != nil {
		return err
	}
	rec.Previous = rec.Active
	rec.Active = s.slot
	rec.State = bootPendingVerify
	return s.p.store.Save(PartitionRecordKey, rec)
}

func (s *stagedImage) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	s.f.Close()
	return os.Remove(s.f.Name())
}
