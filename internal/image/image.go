// Package image concatenates the flattened stages into the final boot image.
//
// The image is [boot] ++ [kernel] with nothing in between. The kernel payload
// offset is page aligned because the boot stage ends on a page boundary, not
// because anything here pads it.
package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrEmptyStage reports a missing or zero length flat binary.
	ErrEmptyStage = errors.New("empty stage")
	// ErrPayloadMismatch reports kernel bytes that differ from the payload
	// found at the claimed boundary.
	ErrPayloadMismatch = errors.New("kernel payload mismatch")
)

// Handoff is what the boot stage needs to find the kernel in the image.
type Handoff struct {
	KernelOffset uint64 `yaml:"kernel_offset"`
	KernelSize   uint64 `yaml:"kernel_size"`
}

type Image struct {
	data   []byte
	boot   int
	kernel int
}

// Assemble concatenates boot and kernel.
func Assemble(boot, kernel []byte) (*Image, error) {
	if len(boot) == 0 {
		return nil, fmt.Errorf("assemble: boot: %w", ErrEmptyStage)
	}
	if len(kernel) == 0 {
		return nil, fmt.Errorf("assemble: kernel: %w", ErrEmptyStage)
	}
	data := make([]byte, 0, len(boot)+len(kernel))
	data = append(data, boot...)
	data = append(data, kernel...)
	return &Image{data: data, boot: len(boot), kernel: len(kernel)}, nil
}

func (img *Image) Bytes() []byte { return img.data }

func (img *Image) Len() int { return len(img.data) }

func (img *Image) BootSize() int { return img.boot }

func (img *Image) KernelSize() int { return img.kernel }

func (img *Image) Handoff() Handoff {
	return Handoff{KernelOffset: uint64(img.boot), KernelSize: uint64(img.kernel)}
}

// KernelPayload returns the bytes at [offset, offset+size) as a loader that
// trusts those numbers would see them.
func (img *Image) KernelPayload(offset, size uint64) ([]byte, error) {
	total := uint64(len(img.data))
	if offset > total || size > total-offset {
		return nil, fmt.Errorf("payload [%#x, %#x) exceeds image of %#x bytes", offset, offset+size, total)
	}
	return img.data[offset : offset+size], nil
}

// VerifyPayload checks that the image carries kernel exactly at the
// boundary described by h.
func (img *Image) VerifyPayload(h Handoff, kernel []byte) error {
	payload, err := img.KernelPayload(h.KernelOffset, h.KernelSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadMismatch, err)
	}
	if !bytes.Equal(payload, kernel) {
		return fmt.Errorf("%w: %d bytes at offset %#x differ from the %d byte kernel",
			ErrPayloadMismatch, len(payload), h.KernelOffset, len(kernel))
	}
	return nil
}

// Sum returns the hex sha256 of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WriteFile writes data to path through a temporary file in the same
// directory so path either keeps its old contents or holds all of data.
func WriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

// WriteFile stores the image at path atomically.
func (img *Image) WriteFile(path string) error {
	return WriteFile(path, img.data)
}
