package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rvboot/internal/flatten"
	"github.com/tinyrange/rvboot/internal/handoff"
	"github.com/tinyrange/rvboot/internal/image"
	"github.com/tinyrange/rvboot/internal/layout"
)

// Manifest records what a build produced. It carries no timestamps or
// absolute paths so identical inputs give identical manifests.
type Manifest struct {
	Profile   string `yaml:"profile"`
	Toolchain string `yaml:"toolchain"`

	Image     string        `yaml:"image"`
	ImageSize uint64        `yaml:"image_size"`
	SHA256    string        `yaml:"sha256"`
	Handoff   image.Handoff `yaml:"handoff"`

	Boot   StageManifest `yaml:"boot"`
	Kernel StageManifest `yaml:"kernel"`

	Plan *handoff.Plan `yaml:"plan"`
}

// StageManifest describes one flattened stage.
type StageManifest struct {
	Binary  string          `yaml:"binary"`
	Entry   uint64          `yaml:"entry"`
	Start   uint64          `yaml:"start"`
	End     uint64          `yaml:"end"`
	Size    uint64          `yaml:"size"`
	SHA256  string          `yaml:"sha256"`
	Regions []layout.Region `yaml:"regions"`
}

func stageManifest(binary string, r *layout.Resolved, flat *flatten.Binary) StageManifest {
	return StageManifest{
		Binary:  binary,
		Entry:   r.Entry,
		Start:   r.Start,
		End:     r.End,
		Size:    uint64(flat.Len()),
		SHA256:  image.Sum(flat.Data),
		Regions: r.Regions,
	}
}

func (p *Pipeline) manifest(img *image.Image, bootFlat, kernelFlat *flatten.Binary, boot, kernel *layout.Resolved, plan *handoff.Plan) *Manifest {
	return &Manifest{
		Profile:   p.profile.Name,
		Toolchain: p.tc.Name(),
		Image:     ImageName,
		ImageSize: uint64(img.Len()),
		SHA256:    image.Sum(img.Bytes()),
		Handoff:   img.Handoff(),
		Boot:      stageManifest(bootBinName, boot, bootFlat),
		Kernel:    stageManifest(kernelBinName, kernel, kernelFlat),
		Plan:      plan,
	}
}

// Marshal renders the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile stores the manifest atomically at path.
func (m *Manifest) WriteFile(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := image.WriteFile(path, data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by Run.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Check re-reads the artifacts in a profile directory and confirms that
// the image, both flat binaries and the manifest agree.
func Check(dir string) (*Manifest, error) {
	m, err := ReadManifest(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	read := func(name, want string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if got := image.Sum(data); got != want {
			return nil, fmt.Errorf("%s: sha256 %s does not match manifest %s", name, got, want)
		}
		return data, nil
	}

	imgData, err := read(m.Image, m.SHA256)
	if err != nil {
		return nil, err
	}
	bootData, err := read(m.Boot.Binary, m.Boot.SHA256)
	if err != nil {
		return nil, err
	}
	kernelData, err := read(m.Kernel.Binary, m.Kernel.SHA256)
	if err != nil {
		return nil, err
	}

	img, err := image.Assemble(bootData, kernelData)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(img.Bytes(), imgData) {
		return nil, fmt.Errorf("%s is not %s followed by %s", m.Image, m.Boot.Binary, m.Kernel.Binary)
	}
	if img.Handoff() != m.Handoff {
		return nil, fmt.Errorf("%w: manifest handoff %+v, image %+v", ErrSizeThreading, m.Handoff, img.Handoff())
	}
	if err := img.VerifyPayload(m.Handoff, kernelData); err != nil {
		return nil, err
	}
	return m, nil
}
