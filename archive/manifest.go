package archive

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/pretty"
	"github.com/zeebo/blake3"

	"github.com/oceanlog/telemlog/atomicfile"
)

// ErrDigestMismatch is returned by Verify when a file has changed
var ErrDigestMismatch = errors.New("digest mismatch")

// FileDigest describes one archived file
type FileDigest struct {
	// name of the compressed file, relative to the manifest
	Name        string      `json:"name"`
	Compression Compression `json:"compression"`
	Size        int64       `json:"size"`
	// hex BLAKE3 of the compressed file
	Digest string `json:"digest"`
	// name, size and BLAKE3 of the file before compression
	OriginalName   string `json:"original_name"`
	OriginalSize   int64  `json:"original_size"`
	OriginalDigest string `json:"original_digest"`
}

// Manifest lists files of an archived segment
type Manifest struct {
	DeviceID int64     `json:"device_id"`
	Segment  int       `json:"segment"`
	Suffix   string    `json:"suffix,omitempty"`
	Created  time.Time `json:"created"`
	// taken from the index
	Packets int   `json:"packets"`
	MinTime int64 `json:"min_time"`
	MaxTime int64 `json:"max_time"`

	Files []FileDigest `json:"files"`
}

// DigestReader returns hex BLAKE3 of everything read from r and its size
func DigestReader(r io.Reader) (string, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// DigestFile returns hex BLAKE3 of a file and its size
func DigestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return DigestReader(f)
}

// Marshal returns the manifest as indented JSON
func (m *Manifest) Marshal() ([]byte, error) {
	d, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return pretty.Pretty(d), nil
}

// WriteManifest atomically writes m to path
func WriteManifest(path string, m *Manifest) error {
	d, err := m.Marshal()
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(path, d)
}

// ReadManifest reads a manifest written by WriteManifest
func ReadManifest(path string) (*Manifest, error) {
	d, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err = json.Unmarshal(d, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &m, nil
}

// Verify checks that files in dir match the manifest, both compressed
// and after decompression
func (m *Manifest) Verify(dir string) error {
	var errs []error
	for _, fd := range m.Files {
		if err := fd.verify(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (fd *FileDigest) verify(dir string) error {
	path := filepath.Join(dir, fd.Name)
	digest, size, err := DigestFile(path)
	if err != nil {
		return err
	}
	if digest != fd.Digest || size != fd.Size {
		return fmt.Errorf("%w: %s has %d bytes and digest %s, expected %d bytes and %s", ErrDigestMismatch, fd.Name, size, digest, fd.Size, fd.Digest)
	}
	r, err := OpenCompressed(path)
	if err != nil {
		return err
	}
	defer r.Close()
	digest, size, err = DigestReader(r)
	if err != nil {
		return fmt.Errorf("decompressing %s: %w", fd.Name, err)
	}
	if digest != fd.OriginalDigest || size != fd.OriginalSize {
		return fmt.Errorf("%w: %s decompresses to %d bytes and digest %s, expected %d bytes and %s", ErrDigestMismatch, fd.Name, size, digest, fd.OriginalSize, fd.OriginalDigest)
	}
	return nil
}
