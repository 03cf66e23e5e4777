package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// ManifestName is the first entry of every archive.
const ManifestName = "manifest.yaml"

// Manifest describes an archive's origin.
type Manifest struct {
	BotID     string    `yaml:"bot_id"`
	Container string    `yaml:"container"`
	SagaID    string    `yaml:"saga_id,omitempty"`
	Target    string    `yaml:"target"`
	CreatedAt time.Time `yaml:"created_at"`
	Files     []string  `yaml:"files"`
}

// WriteTarZst writes a zstd-compressed tarball of srcDir to w. Entries are
// rooted at the container name and preceded by the YAML manifest. It
// returns the number of regular files archived.
func WriteTarZst(w io.Writer, srcDir string, m Manifest) (int, error) {
	var files []string
	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(srcDir, p)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking %s: %w", srcDir, err)
	}
	m.Files = files

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("creating zstd encoder: %w", err)
	}
	tw := tar.NewWriter(enc)

	manifest, err := yaml.Marshal(m)
	if err != nil {
		enc.Close()
		return 0, fmt.Errorf("encoding manifest: %w", err)
	}
	hdr := &tar.Header{
		Name:    path.Join(m.Container, ManifestName),
		Mode:    0o644,
		Size:    int64(len(manifest)),
		ModTime: m.CreatedAt,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		enc.Close()
		return 0, err
	}
	if _, err := tw.Write(manifest); err != nil {
		enc.Close()
		return 0, err
	}

	for _, rel := range files {
		if err := addFile(tw, filepath.Join(srcDir, filepath.FromSlash(rel)), path.Join(m.Container, rel)); err != nil {
			enc.Close()
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		enc.Close()
		return 0, fmt.Errorf("closing tar: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("closing zstd: %w", err)
	}
	return len(files), nil
}

func addFile(tw *tar.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copying %s: %w", name, err)
	}
	return nil
}
