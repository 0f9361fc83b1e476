package cache

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"log/slog"
)

// downloadRetries is how many extra attempts tryOne makes against the same
// mirror. It is zero: a mirror that fails once is left behind and Download
// moves on to the next one.
const downloadRetries = 0

// ErrUpstreamNotFound is returned when every mirror in the order responded
// 404 for a filename (spec.md §4.D "mirror fallback").
var ErrUpstreamNotFound = errors.New("not found on any mirror")

// ErrMirrorsExhausted is returned when every mirror in the order failed
// for reasons other than 404 (connection error, 5xx, timeout).
var ErrMirrorsExhausted = errors.New("all mirrors exhausted")

// Downloader performs the ranged GET spec.md §4.D describes: starting at
// startOffset, stream bytes from the first working mirror in order into
// dest, appending sequentially. onLength is invoked as soon as a mirror's
// response headers give the total content-length, so the Serializer can
// record it in the Content-Length Cache without waiting for the transfer to
// finish; it is invoked again for each later mirror that answers after a
// failed transfer, and not at all if no mirror answers with 200 or 206.
type Downloader struct {
	client *http.Client
}

// NewDownloader builds a Downloader with a cloned, connection-pooled
// transport, the same tuning the teacher's clonedTransport applies.
func NewDownloader() *Downloader {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &Downloader{
		client: &http.Client{
			Transport: tr,
			Timeout:   0, // no timeout; caller controls via ctx
		},
	}
}

// Download fetches key from the first mirror in mirrors that serves it
// successfully, appending bytes from startOffset onward to dest. It
// returns the total content length of the file.
func (d *Downloader) Download(ctx context.Context, mirrors []string, key FileKey, startOffset int64, dest io.Writer, onLength func(uint64)) (uint64, error) {
	if len(mirrors) == 0 {
		return 0, errors.New("Downloader.Download: no mirrors configured")
	}

	var lastErr error
	allNotFound := true

	for _, base := range mirrors {
		length, err := d.tryOne(ctx, base, key, startOffset, dest, onLength)
		switch {
		case err == nil:
			return length, nil
		case errors.Is(err, ErrUpstreamNotFound):
			lastErr = err
		default:
			slog.Warn("mirror failed, trying next", "mirror", base, "path", string(key), "error", err)
			allNotFound = false
			lastErr = err
		}
	}

	if allNotFound {
		return 0, ErrUpstreamNotFound
	}
	return 0, errors.Wrap(ErrMirrorsExhausted, lastErr.Error())
}

func (d *Downloader) tryOne(ctx context.Context, base string, key FileKey, startOffset int64, dest io.Writer, onLength func(uint64)) (uint64, error) {
	var lastErr error

	for attempt := 0; attempt <= downloadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(1<<(attempt-1)) * time.Second):
			}
		}

		length, err := d.attempt(ctx, base, key, startOffset, dest, onLength)
		if err == nil {
			return length, nil
		}
		if errors.Is(err, ErrUpstreamNotFound) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

func (d *Downloader) attempt(ctx context.Context, base string, key FileKey, startOffset int64, dest io.Writer, onLength func(uint64)) (uint64, error) {
	url := strings.TrimSuffix(base, "/") + "/" + string(key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "attempt: build request")
	}
	if startOffset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(startOffset, 10)+"-")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "attempt: "+url)
	}
	defer closeRespBody(resp)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return 0, ErrUpstreamNotFound
	case http.StatusOK, http.StatusPartialContent:
	default:
		return 0, errors.Newf("attempt: %s returned %d", url, resp.StatusCode)
	}

	total, err := contentLength(resp, startOffset)
	if err != nil {
		return 0, errors.Wrap(err, "attempt: "+url)
	}
	if onLength != nil {
		onLength(total)
	}

	if _, err := io.Copy(dest, resp.Body); err != nil {
		return 0, errors.Wrap(err, "attempt: copy body from "+url)
	}

	return total, nil
}

// contentLength derives the file's total size from the response. A 206
// reply carries the total in Content-Range; a 200 reply (the mirror
// ignored our Range request and sent the whole file) carries it directly
// in Content-Length, with no startOffset adjustment.
func contentLength(resp *http.Response, startOffset int64) (uint64, error) {
	if resp.StatusCode == http.StatusPartialContent {
		cr := resp.Header.Get("Content-Range")
		if idx := strings.LastIndex(cr, "/"); idx >= 0 && idx+1 < len(cr) {
			total, err := strconv.ParseUint(cr[idx+1:], 10, 64)
			if err == nil {
				return total, nil
			}
		}
		if resp.ContentLength >= 0 {
			return uint64(resp.ContentLength) + uint64(startOffset), nil
		}
		return 0, errors.New("no usable content length in 206 response")
	}

	if resp.ContentLength >= 0 {
		return uint64(resp.ContentLength), nil
	}
	return 0, errors.New("no usable content length in response")
}

func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// closeAndRemoveFile closes and removes a temporary file, logging on
// failure rather than propagating: this is always best-effort cleanup.
func closeAndRemoveFile(f *os.File) {
	name := f.Name()
	if err := f.Close(); err != nil {
		slog.Warn("failed to close temp file", "file", name, "error", err)
	}
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove temp file", "file", name, "error", err)
	}
}
