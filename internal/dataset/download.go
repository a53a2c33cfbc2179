package dataset

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// retryLogger routes retryablehttp's messages through logrus.
type retryLogger struct{}

func (retryLogger) Error(msg string, kv ...interface{}) { log.WithFields(fields(kv)).Error(msg) }
func (retryLogger) Info(msg string, kv ...interface{})  { log.WithFields(fields(kv)).Debug(msg) }
func (retryLogger) Debug(msg string, kv ...interface{}) { log.WithFields(fields(kv)).Trace(msg) }
func (retryLogger) Warn(msg string, kv ...interface{})  { log.WithFields(fields(kv)).Warn(msg) }

func fields(kv []interface{}) log.Fields {
	f := log.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			f[k] = kv[i+1]
		}
	}
	return f
}

func newHTTPClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = retryLogger{}
	return client
}

// MaybeDownload fetches url into dir unless a file with the same base name
// is already there. It returns the local path.
func MaybeDownload(ctx context.Context, url, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create data dir %s", dir)
	}

	target := filepath.Join(dir, path.Base(url))
	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		return target, nil
	}

	log.WithFields(log.Fields{"url": url, "target": target}).Info("Downloading")
	start := time.Now()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrapf(err, "build request for %s", url)
	}
	res, err := newHTTPClient().Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "download %s", url)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", errors.Errorf("download %s: HTTP status %d", url, res.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, res.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", errors.Wrapf(err, "write %s", target)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", errors.Wrapf(err, "move download to %s", target)
	}

	log.WithFields(log.Fields{"bytes": n, "duration": time.Since(start)}).Info("Successfully downloaded")
	return target, nil
}

// Gunzip decompresses src next to itself, dropping the .gz suffix, unless
// the decompressed file exists. It returns the decompressed path.
func Gunzip(src string) (string, error) {
	dst := strings.TrimSuffix(src, ".gz")
	if dst == src {
		return "", errors.Errorf("%s has no .gz suffix", src)
	}
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return "", errors.Wrapf(err, "open gzip %s", src)
	}
	defer zr.Close()

	if err := writeFileFrom(dst, zr, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

// ExtractTarGz unpacks a .tar.gz archive into dir.
func ExtractTarGz(src, dir string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return errors.Wrapf(err, "open gzip %s", src)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	root := filepath.Clean(dir) + string(os.PathSeparator)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", src)
		}

		target := filepath.Join(dir, hdr.Name)
		if target != filepath.Clean(dir) && !strings.HasPrefix(target, root) {
			return errors.Errorf("archive entry %q escapes %s", hdr.Name, dir)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFileFrom(target, tr, os.FileMode(hdr.Mode)&0o777|0o600); err != nil {
				return err
			}
		default:
			log.WithFields(log.Fields{"entry": hdr.Name}).Debug("Skipping non-regular archive entry")
		}
	}
}

func writeFileFrom(dst string, r io.Reader, mode os.FileMode) error {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", dst)
	}
	return f.Close()
}
