package cache

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

const maxWantedPackagesBody = 500_000 // bytes, spec.md §4.F POST dispatch 413 threshold

// ClientRequestActor owns one accepted connection end to end: header
// parse, GET/POST dispatch, and response framing (spec.md §4.F). One actor
// runs per connection, matching the teacher's one-goroutine-per-connection
// Acceptor shape.
type ClientRequestActor struct {
	conn   *net.TCPConn
	server *Server
}

// NewClientRequestActor builds an actor for conn, owned by server.
func NewClientRequestActor(conn *net.TCPConn, server *Server) *ClientRequestActor {
	return &ClientRequestActor{conn: conn, server: server}
}

// Serve runs the actor's request loop until the connection closes or an
// unrecoverable error occurs. Per spec.md §4.F termination semantics: any
// downloader this actor started is always torn down, and a 500 is sent
// only if no response header has gone out yet.
func (a *ClientRequestActor) Serve(ctx context.Context) {
	defer a.conn.Close()

	br := bufio.NewReader(a.conn)
	bw := bufio.NewWriter(a.conn)
	defer bw.Flush()

	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			slog.Debug("request: failed to parse header", "remote", a.conn.RemoteAddr(), "error", err)
		}
		return
	}
	defer req.Body.Close()

	switch req.Method {
	case http.MethodGet, http.MethodHead:
		if req.Method == http.MethodGet && a.serveWellKnown(bw, req.URL.Path, time.Now()) {
			return
		}
		a.serveGet(ctx, bw, req)
	case http.MethodPost:
		a.servePost(ctx, bw, req)
	default:
		writeError(bw, http.StatusBadRequest, time.Now())
	}
}

// serveWellKnown answers the three fixed routes spec.md §4.F's header
// phase and §6 carve out ahead of any cache dispatch: "/" and
// "/robots.txt" never touch the Serializer, and "/favicon.ico" 404s
// without ever contacting a mirror.
func (a *ClientRequestActor) serveWellKnown(bw *bufio.Writer, path string, now time.Time) bool {
	switch path {
	case "/":
		writeText200(bw, "OK", now)
		return true
	case "/robots.txt":
		writeText200(bw, "User-agent: *\nDisallow: /\n", now)
		return true
	case "/favicon.ico":
		writeError(bw, http.StatusNotFound, now)
		return true
	default:
		return false
	}
}

func (a *ClientRequestActor) serveGet(ctx context.Context, bw *bufio.Writer, req *http.Request) {
	now := time.Now()
	rangeStart, hasRange := parseRangeStart(req.Header.Get("Range"))

	result, err := a.server.serializer.StateQuery(ctx, FileKey(req.URL.Path))
	if err != nil {
		slog.Error("request: state_query failed", "path", req.URL.Path, "error", err)
		writeError(bw, http.StatusInternalServerError, now)
		return
	}

	switch {
	case result.invalidPath:
		writeError(bw, http.StatusNotFound, now)

	case result.isDatabase:
		a.server.stats.AddDatabaseRedirect()
		a.redirectToMirror(bw, result.key, now)

	case !result.haveLength || result.localSize <= 0:
		// not_found: no local file, zero-byte stat, or no cached length.
		if hasRange {
			// C4: the bytes between 0 and rangeStart aren't necessarily the
			// canonical prefix, so a range-started download is never begun.
			a.redirectToMirror(bw, result.key, now)
			return
		}
		if result.downloading {
			a.serveGrowingFile(ctx, bw, result, now)
		} else {
			a.serveFreshDownload(ctx, bw, result, now)
		}

	case result.localSize == int64(result.length):
		a.serveCompleteFile(bw, result, rangeStart, hasRange, now)

	default:
		// partial_file: 0 < localSize < length.
		if result.downloading {
			a.serveGrowingFile(ctx, bw, result, now)
		} else {
			a.serveCacheThenHTTP(ctx, bw, result, rangeStart, hasRange, now)
		}
	}
}

// redirectToMirror sends a 301 to the first configured mirror for key.
// Used both for database requests and for the "don't serve a stale/
// non-prefix slice" cases SPEC_FULL.md §4 folds into this one path.
func (a *ClientRequestActor) redirectToMirror(bw *bufio.Writer, key FileKey, now time.Time) {
	order := a.server.mirrors.Order()
	if len(order) == 0 {
		writeError(bw, http.StatusInternalServerError, now)
		return
	}
	target := strings.TrimSuffix(order[0], "/") + "/" + string(key)
	writeRedirect(bw, target, now)
}

// serveCompleteFile serves a fully cached file, honoring a client Range
// request as the bit-exact 200+Content-Range splice spec.md §4.F and §9
// (P7) describe rather than a standard 206.
func (a *ClientRequestActor) serveCompleteFile(bw *bufio.Writer, result stateQueryResult, rangeStart int64, hasRange bool, now time.Time) {
	total := int64(result.length)

	if hasRange && (rangeStart < 0 || rangeStart > total) {
		writeError(bw, http.StatusRequestedRangeNotSatisfiable, now)
		return
	}

	f, err := os.Open(result.localPath) // #nosec G304 - localPath derived from NormalizeFileKey
	if err != nil {
		writeError(bw, http.StatusNotFound, now)
		return
	}
	defer f.Close()

	if hasRange && rangeStart == total {
		writeOKNoBody(bw, now)
		bw.Flush()
		return
	}

	if hasRange {
		writePartialOK(bw, rangeStart, total, now)
		if err := bw.Flush(); err != nil {
			return
		}
		n, _ := sendFile(a.conn, f, rangeStart, total-rangeStart)
		a.server.stats.AddPackageBytes(uint64(n))
		return
	}

	writeOK200(bw, total, now)
	if err := bw.Flush(); err != nil {
		return
	}
	a.sendWhole(f, total)
	a.server.stats.AddPackageBytes(result.length)
}

// serveGrowingFile tails a file currently being downloaded by another
// actor's download, streaming bytes as they land (spec.md §4.F α).
func (a *ClientRequestActor) serveGrowingFile(ctx context.Context, bw *bufio.Writer, result stateQueryResult, now time.Time) {
	length := result.length
	updates := result.updates
	if !result.haveLength {
		// The length becomes known (via NotifyLengthKnown) well before the
		// download completes, so waiting on result.updates here is wrong:
		// that channel is only closed on download_ended/downloader_terminated
		// and would hold the header back until the whole file had landed.
		// Poll StateQuery instead, the same idiom Filewatcher uses to learn
		// about external progress it doesn't own.
		ticker := time.NewTicker(filewatcherPollInterval)
		defer ticker.Stop()
		for !result.haveLength {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			requery, err := a.server.serializer.StateQuery(ctx, result.key)
			if err != nil {
				writeError(bw, http.StatusInternalServerError, now)
				return
			}
			result = requery
			if !result.downloading && !result.haveLength {
				// the downloader gave up before ever reporting a length
				writeError(bw, http.StatusNotFound, now)
				return
			}
		}
		length = result.length
		updates = result.updates
	}

	writeOK200(bw, int64(length), now)
	if err := bw.Flush(); err != nil {
		return
	}

	watcher := NewFilewatcher(result.localPath)
	var sent int64
	for sent < int64(length) {
		size, complete, err := watcher.WaitForGrowth(ctx, sent, updates)
		if err != nil {
			return
		}
		if size > sent {
			f, err := os.Open(result.localPath) // #nosec G304
			if err != nil {
				return
			}
			n, err := sendFile(a.conn, f, sent, size-sent)
			f.Close()
			sent += n
			if err != nil {
				return
			}
		}
		if complete && size >= int64(length) {
			break
		}
	}
	a.server.stats.AddPackageBytes(length)
}

// serveCacheThenHTTP implements the range-splicing / resume strategy for a
// partial_file with no live downloader (spec.md §4.F.β): this is the path
// a restarted process takes to pick a download back up, starting the
// Downloader at the file's current on-disk size rather than truncating and
// restarting from 0, preserving the prefix-correctness invariant C4.
func (a *ClientRequestActor) serveCacheThenHTTP(ctx context.Context, bw *bufio.Writer, result stateQueryResult, rangeStart int64, hasRange bool, now time.Time) {
	filesize := result.localSize
	total := int64(result.length)

	if hasRange && rangeStart > filesize {
		// A range whose start lies past what's cached so far cannot be
		// served without caching bytes that aren't the canonical prefix
		// (C4), so the client is redirected to the mirror, the same as a
		// not_found file with a Range request.
		a.redirectToMirror(bw, result.key, now)
		return
	}
	if hasRange && rangeStart == total {
		writeOKNoBody(bw, now)
		bw.Flush()
		return
	}

	hdl, err := a.server.serializer.StartDownload(ctx, result.key)
	if err != nil {
		// lost the race to another actor already resuming this file
		requery, qerr := a.server.serializer.StateQuery(ctx, result.key)
		if qerr != nil {
			writeError(bw, http.StatusInternalServerError, now)
			return
		}
		a.serveGrowingFile(ctx, bw, requery, now)
		return
	}
	defer a.server.serializer.NotifyDownloaderTerminated(result.key, hdl)

	f, err := os.OpenFile(result.localPath, os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304
	if err != nil {
		writeError(bw, http.StatusInternalServerError, now)
		return
	}

	var started atomic.Bool
	onLength := func(uint64) { started.Store(true) }

	dlCtx, cancelDl := context.WithCancel(ctx)
	done := make(chan struct{})
	var dlErr error
	go func() {
		defer close(done)
		defer f.Close()
		_, dlErr = a.server.downloader.Download(dlCtx, a.server.mirrors.Order(), result.key, filesize, f, onLength)
	}()
	// Stop the download and wait for it to exit before the deferred
	// NotifyDownloaderTerminated releases the file: no writer outlives
	// this actor.
	defer func() {
		cancelDl()
		<-done
	}()

	// Wait for the Downloader to either make contact with a mirror (so we
	// know the response header we're about to commit to is honest) or give
	// up entirely, before sending anything.
	ticker := time.NewTicker(filewatcherPollInterval)
	defer ticker.Stop()
waitForStart:
	for !started.Load() {
		select {
		case <-done:
			break waitForStart
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	if !started.Load() && dlErr != nil {
		if errors.Is(dlErr, ErrUpstreamNotFound) {
			writeError(bw, http.StatusNotFound, now)
		} else {
			writeError(bw, http.StatusInternalServerError, now)
		}
		return
	}

	sendFrom := int64(0)
	if hasRange {
		sendFrom = rangeStart
	}
	if hasRange {
		writePartialOK(bw, rangeStart, total, now)
	} else {
		writeOK200(bw, total, now)
	}
	if err := bw.Flush(); err != nil {
		return
	}

	watcher := NewFilewatcher(result.localPath)
	sent := sendFrom
	for {
		size, complete, werr := watcher.WaitForGrowth(ctx, sent, done)
		if werr != nil {
			return
		}
		if size > sent {
			rf, err := os.Open(result.localPath) // #nosec G304
			if err != nil {
				return
			}
			n, err := sendFile(a.conn, rf, sent, size-sent)
			rf.Close()
			sent += n
			if err != nil {
				return
			}
		}
		if complete {
			break
		}
	}

	a.server.serializer.DownloadEnded(result.key, hdl)
	a.server.stats.AddPackageBytes(uint64(sent - sendFrom))
}

// serveFreshDownload starts a new download for a not_found file and
// streams it to the client as it grows (spec.md §4.F γ), becoming the
// sole downloader for this filename via the Serializer.
func (a *ClientRequestActor) serveFreshDownload(ctx context.Context, bw *bufio.Writer, result stateQueryResult, now time.Time) {
	hdl, err := a.server.serializer.StartDownload(ctx, result.key)
	if err != nil {
		// lost the race to another actor; retry as a growing-file read
		requery, qerr := a.server.serializer.StateQuery(ctx, result.key)
		if qerr != nil {
			writeError(bw, http.StatusInternalServerError, now)
			return
		}
		a.serveGrowingFile(ctx, bw, requery, now)
		return
	}
	defer a.server.serializer.NotifyDownloaderTerminated(result.key, hdl)

	if err := os.MkdirAll(filepath.Dir(result.localPath), 0750); err != nil {
		writeError(bw, http.StatusInternalServerError, now)
		return
	}
	f, err := os.OpenFile(result.localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) // #nosec G304
	if err != nil {
		writeError(bw, http.StatusInternalServerError, now)
		return
	}

	headerSent := false
	var length atomic.Uint64
	onLength := func(l uint64) {
		length.Store(l)
		a.server.serializer.NotifyLengthKnown(result.key, l)
	}

	dlCtx, cancelDl := context.WithCancel(ctx)
	done := make(chan struct{})
	var dlErr error
	go func() {
		defer close(done)
		defer f.Close()
		_, dlErr = a.server.downloader.Download(dlCtx, a.server.mirrors.Order(), result.key, 0, f, onLength)
	}()
	// Stop the download and wait for it to exit before the deferred
	// NotifyDownloaderTerminated releases the file: no writer outlives
	// this actor.
	defer func() {
		cancelDl()
		<-done
	}()

	watcher := NewFilewatcher(result.localPath)
	var sent int64
	for {
		size, complete, werr := watcher.WaitForGrowth(ctx, sent, done)
		if werr != nil {
			return
		}
		if !headerSent && length.Load() > 0 {
			writeOK200(bw, int64(length.Load()), now)
			if err := bw.Flush(); err != nil {
				return
			}
			headerSent = true
		}
		if headerSent && size > sent {
			rf, err := os.Open(result.localPath) // #nosec G304
			if err != nil {
				return
			}
			n, err := sendFile(a.conn, rf, sent, size-sent)
			rf.Close()
			sent += n
			if err != nil {
				return
			}
		}
		if complete {
			break
		}
	}

	if !headerSent {
		if dlErr != nil && errors.Is(dlErr, ErrUpstreamNotFound) {
			writeError(bw, http.StatusNotFound, now)
		} else {
			writeError(bw, http.StatusInternalServerError, now)
		}
		return
	}
	a.server.serializer.DownloadEnded(result.key, hdl)
	a.server.stats.AddPackageBytes(uint64(sent))
}

func (a *ClientRequestActor) sendWhole(f *os.File, length int64) {
	_, _ = sendFile(a.conn, f, 0, length)
}

// servePost handles the signed wanted-packages endpoint (spec.md §4.F POST
// dispatch, §4.H auth).
func (a *ClientRequestActor) servePost(ctx context.Context, bw *bufio.Writer, req *http.Request) {
	now := time.Now()

	if a.server.auth == nil {
		writeError(bw, http.StatusForbidden, now)
		return
	}

	if cl := parseContentLength(req.Header.Get("Content-Length")); cl > maxWantedPackagesBody {
		writeError(bw, http.StatusRequestEntityTooLarge, now)
		return
	}

	if strings.Contains(req.Header.Get("Expect"), "100-continue") {
		write100Continue(bw)
		if err := bw.Flush(); err != nil {
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxWantedPackagesBody+1))
	if err != nil {
		writeError(bw, http.StatusBadRequest, now)
		return
	}
	if len(body) > maxWantedPackagesBody {
		writeError(bw, http.StatusRequestEntityTooLarge, now)
		return
	}

	sig := req.Header.Get("Authorization")
	tsHeader := req.Header.Get("Timestamp")
	var ts int64
	if _, err := parseTimestamp(tsHeader, &ts); err != nil {
		writeError(bw, http.StatusForbidden, now)
		return
	}

	if err := a.server.auth.Verify(body, sig, ts, now); err != nil {
		slog.Warn("request: auth failed", "remote", a.conn.RemoteAddr(), "error", err)
		writeError(bw, http.StatusForbidden, now)
		return
	}

	host := req.Header.Get("X-Hostname")
	if host == "" {
		host = req.URL.Query().Get("host")
	}
	if err := WriteWantedPackages(a.server.config.RecvPackages.Directory, host, body); err != nil {
		slog.Error("request: failed to write wanted packages", "error", err)
		writeError(bw, http.StatusInternalServerError, now)
		return
	}

	writeError(bw, http.StatusOK, now)
}

func parseTimestamp(s string, out *int64) (bool, error) {
	if s == "" {
		return false, errors.New("missing timestamp")
	}
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return false, errors.New("malformed timestamp")
		}
		n = n*10 + int64(r-'0')
	}
	*out = n
	return true, nil
}
