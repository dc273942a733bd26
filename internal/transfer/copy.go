package transfer

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/forensiclab/agent/internal/apperr"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

type copier struct {
	fs       billy.Filesystem
	progress *throttle
	files    int
	bytes    int64
	buf      []byte
}

func (c *copier) outcome(dst string, elapsed time.Duration) Outcome {
	return Outcome{Destination: dst, Files: c.files, Bytes: c.bytes, Elapsed: elapsed}
}

func (c *copier) copyTree(src, dst string, info os.FileInfo) error {
	if err := c.fs.MkdirAll(dst, info.Mode().Perm()|0o700); err != nil {
		return ioError(dst, err)
	}

	entries, err := c.fs.ReadDir(src)
	if err != nil {
		return ioError(src, err)
	}
	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())

		// Lstat so links are classified, not followed
		fi, err := c.fs.Lstat(from)
		if err != nil {
			return ioError(from, err)
		}
		switch {
		case fi.IsDir():
			if err := c.copyTree(from, to, fi); err != nil {
				return err
			}
		case fi.Mode().IsRegular():
			if err := c.copyFile(from, to, fi); err != nil {
				return err
			}
		default:
			return &apperr.Error{Kind: apperr.KindTransfer, Op: "transfer", Path: from, Msg: MsgUnsupportedSource}
		}
	}

	// directory metadata last, copying children touches its mtime
	c.preserve(dst, info)
	return nil
}

func (c *copier) copyFile(src, dst string, info os.FileInfo) error {
	c.progress.report(src)

	in, err := c.fs.Open(src)
	if err != nil {
		return ioError(src, err)
	}
	defer in.Close()

	out, err := c.fs.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		if os.IsExist(err) {
			return refuse(dst, MsgDestinationExists)
		}
		return ioError(dst, err)
	}

	if c.buf == nil {
		c.buf = make([]byte, bufferSize)
	}
	n, err := io.CopyBuffer(out, in, c.buf)
	c.bytes += n
	if err != nil {
		_ = out.Close()
		return ioError(src, err)
	}
	if err := out.Close(); err != nil {
		return ioError(dst, err)
	}

	c.files++
	c.preserve(dst, info)
	return nil
}

// preserve copies permissions and modification time when the filesystem
// can keep them. Failures are ignored: not every volume keeps metadata.
func (c *copier) preserve(path string, info os.FileInfo) {
	switch fs := c.fs.(type) {
	case billy.Change:
		_ = fs.Chmod(path, info.Mode().Perm())
		_ = fs.Chtimes(path, info.ModTime(), info.ModTime())
	case *osfs.BoundOS:
		// BoundOS has no Change support; its paths map onto the host below Root
		hostPath := filepath.Join(fs.Root(), path)
		_ = os.Chmod(hostPath, info.Mode().Perm())
		_ = os.Chtimes(hostPath, info.ModTime(), info.ModTime())
	}
}
