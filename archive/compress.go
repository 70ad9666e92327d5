package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/oceanlog/telemlog/atomicfile"
)

// Compression is the algorithm used to compress archived files
type Compression string

const (
	Zstd   Compression = "zstd"
	Brotli Compression = "brotli"
	LZ4    Compression = "lz4"
	Gzip   Compression = "gzip"
	None   Compression = "none"
)

var compressionExts = map[Compression]string{
	Zstd:   ".zst",
	Brotli: ".br",
	LZ4:    ".lz4",
	Gzip:   ".gz",
	None:   "",
}

// ParseCompression parses a compression name. Empty string is Zstd.
func ParseCompression(s string) (Compression, error) {
	c := Compression(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return Zstd, nil
	}
	if _, ok := compressionExts[c]; !ok {
		return "", fmt.Errorf("unknown compression '%s'", s)
	}
	return c, nil
}

// Ext returns file extension of files compressed with c
func (c Compression) Ext() string {
	return compressionExts[c]
}

// CompressionFromPath returns compression of a file based on its extension
func CompressionFromPath(path string) Compression {
	ext := strings.ToLower(filepath.Ext(path))
	for c, e := range compressionExts {
		if e != "" && e == ext {
			return c
		}
	}
	return None
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}

// NewWriter returns a writer that compresses to w. Close() must be
// called to flush compressed data, it doesn't close w.
func NewWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case Zstd:
		// in my tests zstd.SpeedBestCompression is much slower and not much
		// better, segment files are mostly small binary records
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case Brotli:
		return brotli.NewWriterLevel(w, brotli.BestCompression), nil
	case LZ4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level5)); err != nil {
			return nil, err
		}
		return zw, nil
	case Gzip:
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	case None:
		return nopWriteCloser{w}, nil
	}
	return nil, fmt.Errorf("unknown compression '%s'", c)
}

// implement io.ReadCloser over os.File wrapped with io.Reader.
// io.Closer goes to os.File, io.Reader goes to wrapping reader
type readerWrappedFile struct {
	f *os.File
	r io.Reader
	// releases resources of r, can be nil
	closeReader func()
}

func (rc *readerWrappedFile) Close() error {
	if rc.closeReader != nil {
		rc.closeReader()
	}
	return rc.f.Close()
}

func (rc *readerWrappedFile) Read(p []byte) (int, error) {
	return rc.r.Read(p)
}

// OpenCompressed opens a file for reading, decompressing based on
// file extension
func OpenCompressed(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rc := &readerWrappedFile{f: f}
	switch CompressionFromPath(path) {
	case Zstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		rc.r = zr
		rc.closeReader = zr.Close
	case Brotli:
		rc.r = brotli.NewReader(f)
	case LZ4:
		rc.r = lz4.NewReader(f)
	case Gzip:
		gr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		rc.r = gr
	default:
		return f, nil
	}
	return rc, nil
}

// ReadCompressed reads and decompresses the whole file
func ReadCompressed(path string) ([]byte, error) {
	r, err := OpenCompressed(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// CompressFile compresses src to dst. dst is only created if
// compression succeeds.
func CompressFile(dst, src string, c Compression) error {
	fSrc, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fSrc.Close()

	fDst, err := atomicfile.New(dst)
	if err != nil {
		return err
	}
	defer fDst.RemoveIfNotClosed()

	w, err := NewWriter(fDst, c)
	if err != nil {
		return err
	}
	if _, err = io.Copy(w, fSrc); err != nil {
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}
	return fDst.Close()
}

// DecompressFile decompresses src, compressed as indicated by its
// extension, to dst
func DecompressFile(dst, src string) error {
	r, err := OpenCompressed(src)
	if err != nil {
		return err
	}
	defer r.Close()

	fDst, err := atomicfile.New(dst)
	if err != nil {
		return err
	}
	defer fDst.RemoveIfNotClosed()
	if _, err = io.Copy(fDst, r); err != nil {
		return err
	}
	return fDst.Close()
}
