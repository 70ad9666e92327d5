// Package archive compresses closed log segments, records their BLAKE3
// digests in a manifest and uploads them to S3, an sftp server or an
// HTTP endpoint.
package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/oceanlog/telemlog/devlog"
	"github.com/oceanlog/telemlog/log"
)

const manifestExt = ".manifest.json"

// Options describes a segment to archive
type Options struct {
	// directory with segment files
	Dir     string
	Segment devlog.Segment
	// where compressed files and the manifest are written
	StagingDir  string
	Compression Compression
	// if nil, files are only written to StagingDir
	Target Target
}

// Result describes an archived segment
type Result struct {
	Manifest     *Manifest
	ManifestPath string
	// paths of compressed files in StagingDir
	Files []string
	// number of files uploaded to the target, including the manifest
	Uploaded int
}

// ManifestFileName returns name of the manifest of a segment
func ManifestFileName(s devlog.Segment) string {
	return s.String() + manifestExt
}

// RemoteName returns name under which an archived file is uploaded:
// <deviceId>/<name>
func RemoteName(s devlog.Segment, name string) string {
	return path.Join(strconv.FormatInt(s.DeviceID, 10), name)
}

// ArchiveSegment compresses data and index files of a segment into
// opts.StagingDir, writes a manifest and uploads everything to
// opts.Target. The manifest is uploaded last so its presence means
// the segment is complete.
// The segment must not be appended to while it's being archived.
func ArchiveSegment(ctx context.Context, opts Options) (*Result, error) {
	timeStart := time.Now()
	seg := opts.Segment
	if opts.Compression == "" {
		opts.Compression = Zstd
	}
	if opts.StagingDir == "" {
		return nil, fmt.Errorf("staging dir is not set")
	}
	if err := os.MkdirAll(opts.StagingDir, 0755); err != nil {
		return nil, err
	}

	dataPath, indexPath := devlog.SegmentPaths(opts.Dir, seg)
	entries, err := devlog.ReadIndexFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("reading index of %s: %w", seg, err)
	}
	m := &Manifest{
		DeviceID: seg.DeviceID,
		Segment:  seg.Segment,
		Suffix:   seg.Suffix,
		Created:  time.Now().UTC().Truncate(time.Second),
		Packets:  len(entries),
	}
	for i, e := range entries {
		if i == 0 || e.TimeKey < m.MinTime {
			m.MinTime = e.TimeKey
		}
		if i == 0 || e.TimeKey > m.MaxTime {
			m.MaxTime = e.TimeKey
		}
	}

	res := &Result{Manifest: m}
	for _, src := range []string{dataPath, indexPath} {
		fd, err := compressWithDigests(src, opts.StagingDir, opts.Compression)
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, *fd)
		res.Files = append(res.Files, filepath.Join(opts.StagingDir, fd.Name))
	}
	res.ManifestPath = filepath.Join(opts.StagingDir, ManifestFileName(seg))
	if err = WriteManifest(res.ManifestPath, m); err != nil {
		return nil, err
	}
	log.Verbosef("archive: compressed %s into %s\n", seg, opts.StagingDir)

	if opts.Target != nil {
		toUpload := append(append([]string{}, res.Files...), res.ManifestPath)
		for _, p := range toUpload {
			remoteName := RemoteName(seg, filepath.Base(p))
			uploadStart := time.Now()
			if err = opts.Target.Upload(ctx, p, remoteName); err != nil {
				log.Errorf("archive: upload of %s to %s failed with '%s'\n", p, opts.Target, err)
				return res, fmt.Errorf("uploading %s: %w", p, err)
			}
			res.Uploaded++
			log.Verbosef("archive: uploaded %s to %s/%s in %s\n", p, opts.Target, remoteName, time.Since(uploadStart))
		}
	}

	var size, origSize int64
	for _, fd := range m.Files {
		size += fd.Size
		origSize += fd.OriginalSize
	}
	log.EventWithDuration("archive", time.Since(timeStart),
		"segment", seg.String(),
		"packets", m.Packets,
		"size", origSize,
		"compressed", size,
		"compression", string(opts.Compression),
		"uploaded", res.Uploaded)
	log.Logf("archive: %s %d packets, %d => %d bytes, uploaded %d files in %s\n", seg, m.Packets, origSize, size, res.Uploaded, time.Since(timeStart))
	return res, nil
}

func compressWithDigests(src string, dstDir string, c Compression) (*FileDigest, error) {
	name := filepath.Base(src) + c.Ext()
	dst := filepath.Join(dstDir, name)
	origDigest, origSize, err := DigestFile(src)
	if err != nil {
		return nil, err
	}
	if err = CompressFile(dst, src, c); err != nil {
		return nil, fmt.Errorf("compressing %s: %w", src, err)
	}
	digest, size, err := DigestFile(dst)
	if err != nil {
		return nil, err
	}
	return &FileDigest{
		Name:           name,
		Compression:    c,
		Size:           size,
		Digest:         digest,
		OriginalName:   filepath.Base(src),
		OriginalSize:   origSize,
		OriginalDigest: origDigest,
	}, nil
}

// Restore decompresses files of an archived segment described by the
// manifest at manifestPath into dstDir, after verifying their digests.
// Existing files in dstDir are not overwritten.
func Restore(manifestPath string, dstDir string) (*Manifest, error) {
	m, err := ReadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	srcDir := filepath.Dir(manifestPath)
	if err = m.Verify(srcDir); err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dstDir, 0755); err != nil {
		return nil, err
	}
	for _, fd := range m.Files {
		dst := filepath.Join(dstDir, fd.OriginalName)
		if _, err = os.Stat(dst); err == nil {
			return nil, fmt.Errorf("%s already exists", dst)
		}
		if err = DecompressFile(dst, filepath.Join(srcDir, fd.Name)); err != nil {
			return nil, err
		}
	}
	log.Logf("archive: restored %d_%d%s into %s\n", m.DeviceID, m.Segment, m.Suffix, dstDir)
	return m, nil
}
