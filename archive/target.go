package archive

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/melbahja/goph"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/sftp"

	"github.com/oceanlog/telemlog/config"
)

// Target is a remote location where archived files are uploaded
type Target interface {
	// Upload uploads a local file as remoteName. remoteName uses '/'
	// as separator and is relative to the target's base location.
	Upload(ctx context.Context, localPath, remoteName string) error
	String() string
}

// NewTarget creates a target from configuration.
// Returns nil if no target is configured.
func NewTarget(a *config.Archive) (Target, error) {
	switch a.Target {
	case "":
		return nil, nil
	case "s3":
		return NewS3Target(a.S3)
	case "sftp":
		return NewSFTPTarget(a.SFTP)
	case "http":
		return NewHTTPTarget(a.HTTP)
	}
	return nil, fmt.Errorf("unknown archive target '%s'", a.Target)
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// S3Target uploads to an S3-compatible storage
type S3Target struct {
	Client *minio.Client
	Bucket string
	Prefix string
}

func NewS3Target(c config.S3) (*S3Target, error) {
	if c.Access == "" || c.Secret == "" || c.Bucket == "" || c.Endpoint == "" {
		return nil, fmt.Errorf("s3: must provide endpoint, bucket, access and secret")
	}
	mc, err := minio.New(c.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Access, c.Secret, ""),
		Region: c.Region,
		Secure: !c.Insecure,
	})
	if err != nil {
		return nil, err
	}
	return &S3Target{
		Client: mc,
		Bucket: c.Bucket,
		Prefix: c.Prefix,
	}, nil
}

func (t *S3Target) remotePath(name string) string {
	return path.Join(t.Prefix, name)
}

func (t *S3Target) Upload(ctx context.Context, localPath, remoteName string) error {
	opts := minio.PutObjectOptions{
		ContentType: contentType(remoteName),
	}
	_, err := t.Client.FPutObject(ctx, t.Bucket, t.remotePath(remoteName), localPath, opts)
	return err
}

// Exists returns true if remoteName was already uploaded
func (t *S3Target) Exists(ctx context.Context, remoteName string) bool {
	_, err := t.Client.StatObject(ctx, t.Bucket, t.remotePath(remoteName), minio.StatObjectOptions{})
	return err == nil
}

func (t *S3Target) String() string {
	return fmt.Sprintf("s3://%s/%s", t.Bucket, t.Prefix)
}

// SFTPTarget uploads over ssh using key authentication.
// Host keys are checked against ~/.ssh/known_hosts.
type SFTPTarget struct {
	User      string
	Host      string
	Port      uint
	KeyPath   string
	RemoteDir string
}

func NewSFTPTarget(c config.SFTP) (*SFTPTarget, error) {
	if c.Host == "" || c.User == "" || c.KeyPath == "" {
		return nil, fmt.Errorf("sftp: must provide host, user and key_path")
	}
	t := &SFTPTarget{
		User:      c.User,
		Host:      c.Host,
		Port:      22,
		KeyPath:   c.KeyPath,
		RemoteDir: c.RemoteDir,
	}
	if host, portStr, err := net.SplitHostPort(c.Host); err == nil {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("sftp: invalid port in '%s'", c.Host)
		}
		t.Host = host
		t.Port = uint(port)
	}
	return t, nil
}

func (t *SFTPTarget) remotePath(name string) string {
	return path.Join(t.RemoteDir, name)
}

func (t *SFTPTarget) connect() (*goph.Client, error) {
	auth, err := goph.Key(t.KeyPath, "")
	if err != nil {
		return nil, fmt.Errorf("goph.Key('%s') failed with '%w'", t.KeyPath, err)
	}
	callback, err := goph.DefaultKnownHosts()
	if err != nil {
		return nil, err
	}
	return goph.NewConn(&goph.Config{
		User:     t.User,
		Addr:     t.Host,
		Port:     t.Port,
		Auth:     auth,
		Timeout:  goph.DefaultTimeout,
		Callback: callback,
	})
}

// Upload uploads to a temporary name and renames it when complete so
// that a partial upload is never mistaken for an archived file
func (t *SFTPTarget) Upload(ctx context.Context, localPath, remoteName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	client, err := t.connect()
	if err != nil {
		return err
	}
	defer client.Close()
	sc, err := client.NewSftp()
	if err != nil {
		return fmt.Errorf("client.NewSftp() failed with '%w'", err)
	}
	defer sc.Close()

	remotePath := t.remotePath(remoteName)
	if err = sftpMkdirAll(sc, path.Dir(remotePath)); err != nil {
		return err
	}
	tmpPath := remotePath + ".tmp"
	if err = client.Upload(localPath, tmpPath); err != nil {
		return fmt.Errorf("uploading '%s' to '%s' failed with '%w'", localPath, tmpPath, err)
	}
	rst, err := sc.Stat(tmpPath)
	if err != nil {
		return err
	}
	if rst.Size() != st.Size() {
		_ = sc.Remove(tmpPath)
		return fmt.Errorf("uploaded '%s' has %d bytes, expected %d", tmpPath, rst.Size(), st.Size())
	}
	if err = sc.PosixRename(tmpPath, remotePath); err != nil {
		return fmt.Errorf("renaming '%s' to '%s' failed with '%w'", tmpPath, remotePath, err)
	}
	return nil
}

func sftpMkdirAll(sc *sftp.Client, dir string) error {
	if err := sc.MkdirAll(dir); err != nil {
		return fmt.Errorf("sftp.MkdirAll('%s') failed with '%w'", dir, err)
	}
	return nil
}

func (t *SFTPTarget) String() string {
	return fmt.Sprintf("sftp://%s@%s:%d/%s", t.User, t.Host, t.Port, t.RemoteDir)
}

// HTTPTarget uploads with PUT <URL>/<remoteName>. Size of the file
// is sent in X-File-Size header.
type HTTPTarget struct {
	URL    string
	APIKey string
	// if nil, http.DefaultClient is used
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPTarget(c config.HTTP) (*HTTPTarget, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("http: must provide url")
	}
	return &HTTPTarget{
		URL:     c.URL,
		APIKey:  c.APIKey,
		Timeout: time.Minute * 5,
	}, nil
}

func (t *HTTPTarget) Upload(ctx context.Context, localPath, remoteName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	uri := strings.TrimSuffix(t.URL, "/") + "/" + strings.TrimPrefix(remoteName, "/")
	r := requests.
		URL(uri).
		Method(http.MethodPut).
		BodyReader(f).
		ContentType(contentType(remoteName)).
		Header("X-File-Size", strconv.FormatInt(st.Size(), 10))
	if t.APIKey != "" {
		r = r.Header("X-Api-Key", t.APIKey)
	}
	if t.Client != nil {
		r = r.Client(t.Client)
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	return r.Fetch(ctx)
}

func (t *HTTPTarget) String() string {
	return t.URL
}
