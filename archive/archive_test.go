package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/oceanlog/telemlog/assert"
	"github.com/oceanlog/telemlog/config"
	"github.com/oceanlog/telemlog/devlog"
	"github.com/oceanlog/telemlog/log"
	"github.com/oceanlog/telemlog/packet"
	"github.com/oceanlog/telemlog/require"
)

func init() {
	log.Quiet = true
}

var allCompressions = []Compression{Zstd, Brotli, LZ4, Gzip, None}

func TestCompressFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	d := bytes.Repeat([]byte("\x0b\x0b\x0b\x0bsensor t=12.5 c=3.3\n"), 500)
	require.NoError(t, os.WriteFile(src, d, 0644))

	for _, c := range allCompressions {
		dst := filepath.Join(dir, "out"+string(c)+c.Ext())
		require.NoError(t, CompressFile(dst, src, c), "compression %s", c)
		assert.Equal(t, c, CompressionFromPath(dst))
		if c != None {
			st, err := os.Stat(dst)
			require.NoError(t, err)
			assert.True(t, st.Size() < int64(len(d)), "%s didn't compress", c)
		}
		got, err := ReadCompressed(dst)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(d, got), "%s round trip", c)

		restored := filepath.Join(dir, "restored"+string(c))
		require.NoError(t, DecompressFile(restored, dst))
		got, err = os.ReadFile(restored)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(d, got))
	}

	err := CompressFile(filepath.Join(dir, "x"), filepath.Join(dir, "missing"), Zstd)
	assert.Error(t, err)
	_, err = NewWriter(io.Discard, "rar")
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, Zstd, c)
	c, err = ParseCompression(" LZ4 ")
	require.NoError(t, err)
	assert.Equal(t, LZ4, c)
	_, err = ParseCompression("bzip2")
	assert.Error(t, err)
}

func TestManifestVerify(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "1_0.dat")
	require.NoError(t, os.WriteFile(src, []byte("some data"), 0644))
	fd, err := compressWithDigests(src, dir, Gzip)
	require.NoError(t, err)
	assert.Equal(t, "1_0.dat.gz", fd.Name)
	assert.Equal(t, int64(9), fd.OriginalSize)
	assert.Len(t, fd.Digest, 64)

	m := &Manifest{DeviceID: 1, Files: []FileDigest{*fd}}
	mpath := filepath.Join(dir, "1_0"+manifestExt)
	require.NoError(t, WriteManifest(mpath, m))
	m2, err := ReadManifest(mpath)
	require.NoError(t, err)
	assert.Equal(t, m.Files, m2.Files)
	require.NoError(t, m2.Verify(dir))

	// corrupt the compressed file
	require.NoError(t, CompressFile(filepath.Join(dir, fd.Name), filepath.Join(dir, "1_0.dat"), None))
	err = m2.Verify(dir)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

type uploaded struct {
	remoteName string
	data       []byte
}

type memTarget struct {
	mu    sync.Mutex
	files []uploaded
	err   error
}

func (t *memTarget) Upload(ctx context.Context, localPath, remoteName string) error {
	if t.err != nil {
		return t.err
	}
	d, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.files = append(t.files, uploaded{remoteName, d})
	t.mu.Unlock()
	return nil
}

func (t *memTarget) String() string {
	return "mem"
}

func createSegment(t *testing.T, dir string) devlog.Segment {
	l, err := devlog.Open(devlog.Config{Dir: dir, DeviceID: 1001, Segment: 2})
	require.NoError(t, err)
	for i := range 50 {
		p := &packet.Packet{SourceID: 1001, SystemTime: int64(1000 + i), Body: &packet.SensorData{Data: []byte("t=12.5")}}
		_, err = l.AppendPacket(p)
		require.NoError(t, err)
	}
	seg := l.Segment()
	require.NoError(t, l.Close())
	return seg
}

func TestArchiveSegment(t *testing.T) {
	dir := t.TempDir()
	seg := createSegment(t, filepath.Join(dir, "data"))
	target := &memTarget{}
	staging := filepath.Join(dir, "staging")

	res, err := ArchiveSegment(context.Background(), Options{
		Dir:         filepath.Join(dir, "data"),
		Segment:     seg,
		StagingDir:  staging,
		Compression: LZ4,
		Target:      target,
	})
	require.NoError(t, err)
	m := res.Manifest
	assert.Equal(t, int64(1001), m.DeviceID)
	assert.Equal(t, 2, m.Segment)
	assert.Equal(t, 50, m.Packets)
	assert.Equal(t, int64(1000), m.MinTime)
	assert.Equal(t, int64(1049), m.MaxTime)
	assert.Len(t, m.Files, 2)
	assert.Equal(t, filepath.Join(staging, "1001_2.manifest.json"), res.ManifestPath)

	assert.Equal(t, 3, res.Uploaded)
	var names []string
	for _, f := range target.files {
		names = append(names, f.remoteName)
	}
	assert.Equal(t, []string{"1001/1001_2.dat.lz4", "1001/1001_2.idx.lz4", "1001/1001_2.manifest.json"}, names)
	require.NoError(t, m.Verify(staging))

	// restore into another directory and read it back
	restoredDir := filepath.Join(dir, "restored")
	_, err = Restore(res.ManifestPath, restoredDir)
	require.NoError(t, err)
	l, err := devlog.Open(devlog.Config{Dir: restoredDir, DeviceID: 1001, Segment: 2})
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, 50, l.Count())
	p, err := l.LastPacket()
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.SequenceNo)

	_, err = Restore(res.ManifestPath, restoredDir)
	assert.Error(t, err)
}

func TestArchiveSegmentUploadError(t *testing.T) {
	dir := t.TempDir()
	seg := createSegment(t, dir)
	errUpload := errors.New("network is down")
	res, err := ArchiveSegment(context.Background(), Options{
		Dir:        dir,
		Segment:    seg,
		StagingDir: filepath.Join(dir, "staging"),
		Target:     &memTarget{err: errUpload},
	})
	assert.ErrorIs(t, err, errUpload)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Uploaded)
	// compressed files stay in staging dir for a retry
	_, err = os.Stat(res.ManifestPath)
	assert.NoError(t, err)

	_, err = ArchiveSegment(context.Background(), Options{Dir: dir, Segment: devlog.Segment{DeviceID: 5}, StagingDir: dir})
	assert.Error(t, err)
}

func TestHTTPTarget(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotKey, gotMethod string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	target, err := NewTarget(&config.Archive{
		Target: "http",
		HTTP:   config.HTTP{URL: srv.URL + "/ingest/", APIKey: "secret-key"},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "1_0.dat.zst")
	require.NoError(t, os.WriteFile(path, []byte("compressed"), 0644))
	require.NoError(t, target.Upload(context.Background(), path, "1/1_0.dat.zst"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/ingest/1/1_0.dat.zst", gotPath)
	assert.Equal(t, "secret-key", gotKey)
	assert.Equal(t, "compressed", string(gotBody))
}

func TestNewTarget(t *testing.T) {
	target, err := NewTarget(&config.Archive{})
	require.NoError(t, err)
	assert.Nil(t, target)

	_, err = NewTarget(&config.Archive{Target: "s3"})
	assert.Error(t, err)
	_, err = NewTarget(&config.Archive{Target: "ftp"})
	assert.Error(t, err)

	target, err = NewTarget(&config.Archive{
		Target: "sftp",
		SFTP:   config.SFTP{Host: "backup.example.com:2222", User: "telemlog", KeyPath: "/nonexistent/key", RemoteDir: "/srv/archive"},
	})
	require.NoError(t, err)
	st := target.(*SFTPTarget)
	assert.Equal(t, "backup.example.com", st.Host)
	assert.Equal(t, uint(2222), st.Port)
	// the key doesn't exist so it fails before connecting
	assert.Error(t, target.Upload(context.Background(), "/nonexistent/file", "x"))

	target, err = NewTarget(&config.Archive{
		Target: "s3",
		S3:     config.S3{Endpoint: "s3.example.com", Bucket: "b", Access: "a", Secret: "s", Prefix: "telemetry"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://b/telemetry", target.String())
}
