package image

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i*7)
	}
	return out
}

func TestAssembleConcatenates(t *testing.T) {
	boot := pattern(0x5000, 1)
	kernel := pattern(4096, 3)

	img, err := Assemble(boot, kernel)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if img.Len() != len(boot)+len(kernel) {
		t.Fatalf("Len=%d, want %d", img.Len(), len(boot)+len(kernel))
	}
	if !bytes.Equal(img.Bytes()[:len(boot)], boot) {
		t.Fatalf("boot prefix differs")
	}
	h := img.Handoff()
	if h.KernelOffset != uint64(len(boot)) || h.KernelSize != 4096 {
		t.Fatalf("Handoff=%+v", h)
	}
	payload, err := img.KernelPayload(h.KernelOffset, h.KernelSize)
	if err != nil {
		t.Fatalf("KernelPayload failed: %v", err)
	}
	if !bytes.Equal(payload, kernel) {
		t.Fatalf("payload differs from kernel")
	}
	if err := img.VerifyPayload(h, kernel); err != nil {
		t.Fatalf("VerifyPayload=%v", err)
	}
}

func TestAssembleCopiesInputs(t *testing.T) {
	boot, kernel := pattern(16, 0), pattern(16, 9)
	img, err := Assemble(boot, kernel)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	boot[0] ^= 0xff
	if img.Bytes()[0] == boot[0] {
		t.Fatalf("image aliases the boot slice")
	}
}

func TestAssembleRejectsEmpty(t *testing.T) {
	if _, err := Assemble(nil, []byte{1}); !errors.Is(err, ErrEmptyStage) {
		t.Fatalf("empty boot: err=%v", err)
	}
	if _, err := Assemble([]byte{1}, []byte{}); !errors.Is(err, ErrEmptyStage) {
		t.Fatalf("empty kernel: err=%v", err)
	}
}

func TestWrongSizeIsDetectable(t *testing.T) {
	boot := pattern(0x5000, 1)
	kernel := pattern(4096, 3)
	img, err := Assemble(boot, kernel)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	h := img.Handoff()

	for _, delta := range []int64{-1, 1} {
		wrong := h
		wrong.KernelSize = uint64(int64(wrong.KernelSize) + delta)
		err := img.VerifyPayload(wrong, kernel)
		if !errors.Is(err, ErrPayloadMismatch) {
			t.Fatalf("size %+d: err=%v, want ErrPayloadMismatch", delta, err)
		}
	}

	shifted := h
	shifted.KernelOffset--
	if err := img.VerifyPayload(shifted, kernel); !errors.Is(err, ErrPayloadMismatch) {
		t.Fatalf("offset -1: err=%v, want ErrPayloadMismatch", err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.img")
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	img, err := Assemble([]byte("boot"), []byte("kernel"))
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if err := img.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "bootkernel" {
		t.Fatalf("contents=%q", got)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestSum(t *testing.T) {
	if got := Sum(nil); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("Sum(nil)=%s", got)
	}
}
