package ota

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileSlot stages an image at a fixed path. The file is replaced only on Commit.
type FileSlot struct {
	Path string
}

// Stage implements Slot
func (s FileSlot) Stage() (ImageWriter, error) {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create image dir %s failed: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("create staged image failed: %w", err)
	}
	return &fileImage{f: f, path: s.Path}, nil
}

type fileImage struct {
	f    *os.File
	path string
	done bool
}

func (w *fileImage) Write(b []byte) (int, error) {
	return w.f.Write(b)
}

func (w *fileImage) Commit() error {
	if w.done {
		return errors.New("ota: staged image already closed")
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("close staged image: %w", err)
	}
	if err := os.Rename(w.f.Name(), w.path); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("install staged image: %w", err)
	}
	return nil
}

func (w *fileImage) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	return os.Remove(w.f.Name())
}
