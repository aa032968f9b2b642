package transfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MozGangster/ydsync/internal/logging"
	"github.com/MozGangster/ydsync/internal/sync/localfs"
	"github.com/MozGangster/ydsync/internal/utils"
)

// Remote is the part of the disk API used to move file content
type Remote interface {
	UploadHref(ctx context.Context, path string, overwrite bool) (string, error)
	Upload(ctx context.Context, href string, body func() (io.ReadCloser, error), size int64) error
	DownloadHref(ctx context.Context, path string) (string, error)
	Download(ctx context.Context, href string) (io.ReadCloser, http.Header, error)
	DownloadRange(ctx context.Context, href string, start, end int64) ([]byte, http.Header, error)
}

// Transfers uploads local files and downloads remote ones into a store
type Transfers struct {
	remote  Remote
	store   *localfs.Store
	profile Profile
	logger  logging.Logger
}

func New(remote Remote, store *localfs.Store, profile Profile, logger logging.Logger) *Transfers {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Transfers{
		remote:  remote,
		store:   store,
		profile: profile,
		logger:  logger,
	}
}

func (t *Transfers) Profile() Profile {
	return t.profile
}

// Upload sends the file at handle to target, overwriting it
func (t *Transfers) Upload(ctx context.Context, handle, target string) error {
	info, err := t.store.Fs().Stat(handle)
	if err != nil {
		return fmt.Errorf("stat %s: %w", handle, err)
	}

	href, err := t.remote.UploadHref(ctx, target, true)
	if err != nil {
		return err
	}

	open := func() (io.ReadCloser, error) {
		return t.store.Fs().Open(handle)
	}
	return t.remote.Upload(ctx, href, open, info.Size())
}

// Source describes the remote file being fetched
type Source struct {
	Path string
	Size int64
	MD5  string
}

// Download fetches src into dest. Content is staged next to dest and only
// replaces it once complete.
func (t *Transfers) Download(ctx context.Context, src Source, dest string) error {
	href, err := t.remote.DownloadHref(ctx, src.Path)
	if err != nil {
		return err
	}

	out, err := openSink(t.store, dest)
	if err != nil {
		t.logger.Debug("Temp file unavailable, buffering download in memory",
			logging.F("dest", dest),
			logging.F("error", err.Error()))
	}

	sum := md5.New()
	w := &hashingSink{sink: out, h: sum}

	if t.profile.Chunked(src.Size) {
		err = t.fetchChunked(ctx, href, src.Size, w)
	} else {
		err = t.fetchWhole(ctx, href, w)
	}
	if err != nil {
		out.Abort()
		return err
	}

	if err := t.checkDigest(src, dest, sum); err != nil {
		out.Abort()
		return err
	}

	return out.Commit()
}

// ReadRemote returns the full content of a remote file
func (t *Transfers) ReadRemote(ctx context.Context, path string) ([]byte, error) {
	href, err := t.remote.DownloadHref(ctx, path)
	if err != nil {
		return nil, err
	}
	body, _, err := t.remote.Download(ctx, href)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func (t *Transfers) checkDigest(src Source, dest string, sum hash.Hash) error {
	if src.MD5 == "" {
		return nil
	}
	got := hex.EncodeToString(sum.Sum(nil))
	if strings.EqualFold(got, src.MD5) {
		return nil
	}

	t.logger.Warn("Downloaded content does not match remote checksum",
		logging.F("dest", dest),
		logging.F("expected_md5", src.MD5),
		logging.F("actual_md5", got))
	if !t.profile.VerifyChecksums {
		return nil
	}
	return utils.NewAppError(utils.NewCLIError(utils.ErrCodeIntegrityViolation,
		"Downloaded content does not match remote checksum").
		WithContext("path", src.Path).
		WithContext("expected_md5", src.MD5).
		WithContext("actual_md5", got).
		Build())
}

func (t *Transfers) fetchWhole(ctx context.Context, href string, w *hashingSink) error {
	body, _, err := t.remote.Download(ctx, href)
	if err != nil {
		return err
	}
	defer body.Close()

	if _, err := io.Copy(w, body); err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeNetworkError,
			"Download interrupted").
			WithRetryable(true).
			Build(), err)
	}
	return nil
}

// fetchChunked pulls href in ranges of the profile's chunk size. total may
// be zero when the size is unknown; a short chunk then ends the stream.
func (t *Transfers) fetchChunked(ctx context.Context, href string, total int64, w *hashingSink) error {
	chunk := t.profile.chunkSize()
	var offset int64

	for total <= 0 || offset < total {
		if err := ctx.Err(); err != nil {
			return err
		}

		want := chunk
		if total > 0 && total-offset < want {
			want = total - offset
		}

		body, header, err := t.remote.DownloadRange(ctx, href, offset, offset+want-1)
		if err != nil {
			return err
		}
		n := int64(len(body))
		if n == 0 {
			break
		}

		if n > 2*want || (total > 0 && n == total && want < total) {
			// The server ignored Range and sent the whole file
			if err := w.Reset(); err != nil {
				return err
			}
			if total > 0 && n > total {
				t.logOverflow(href, 0, n, total)
				body = body[:total]
			}
			if _, err := w.Write(body); err != nil {
				return err
			}
			offset = int64(len(body))
			break
		}

		if cr := header.Get("Content-Range"); cr != "" {
			start, ok := contentRangeStart(cr)
			if !ok || start != offset {
				return utils.NewAppError(utils.NewCLIError(utils.ErrCodeIntegrityViolation,
					"Content-Range does not match the requested offset").
					WithContext("content_range", cr).
					WithContext("offset", offset).
					Build())
			}
		}

		if total > 0 && offset+n > total {
			t.logOverflow(href, offset, n, total)
			body = body[:total-offset]
		}
		if _, err := w.Write(body); err != nil {
			return err
		}
		offset += int64(len(body))

		if total <= 0 && n < want {
			break
		}
	}

	if total > 0 && offset < total {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeNetworkError,
			"Download ended before the declared size").
			WithRetryable(true).
			WithContext("received", offset).
			WithContext("expected", total).
			Build())
	}
	return nil
}

func (t *Transfers) logOverflow(href string, offset, n, total int64) {
	t.logger.Warn("Chunk too large, truncating to declared size",
		logging.F("offset", offset),
		logging.F("received", n),
		logging.F("total", total),
		logging.F("discarded", offset+n-total))
}

// contentRangeStart parses the first byte position of "bytes a-b/c"
func contentRangeStart(v string) (int64, bool) {
	v = strings.TrimSpace(v)
	unit, byteRange, found := strings.Cut(v, " ")
	if !found || !strings.EqualFold(unit, "bytes") {
		return 0, false
	}
	first, _, found := strings.Cut(byteRange, "-")
	if !found {
		return 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

// hashingSink keeps a running MD5 of what the sink holds
type hashingSink struct {
	sink
	h hash.Hash
}

func (s *hashingSink) Write(p []byte) (int, error) {
	n, err := s.sink.Write(p)
	s.h.Write(p[:n])
	return n, err
}

func (s *hashingSink) Reset() error {
	s.h.Reset()
	return s.sink.Reset()
}
