package cache

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Server wires together the components a Client Request Actor needs:
// Mirror Selector, Serializer, Downloader, auth verifier, usage stats, and
// the validated config (spec.md §4.G "one actor per connection" assumes a
// shared set of collaborators like this).
type Server struct {
	config     *Config
	mirrors    *MirrorSelector
	serializer *Serializer
	downloader *Downloader
	auth       *AuthVerifier
	stats      *UsageStats
	lengths    *ContentLengthCache
}

// NewServer builds a Server from a validated Config.
func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Check(); err != nil {
		return nil, errors.Wrap(err, "NewServer")
	}
	if err := EnsureCacheLayout(cfg.CacheDirectory); err != nil {
		return nil, errors.Wrap(err, "NewServer")
	}

	lengths := NewContentLengthCache(metaDir(cfg.CacheDirectory))
	if err := lengths.Load(); err != nil {
		return nil, errors.Wrap(err, "NewServer: load content_length table")
	}

	s := &Server{
		config:     cfg,
		mirrors:    NewMirrorSelector(cfg),
		serializer: NewSerializer(cfg.CacheDirectory, lengths),
		downloader: NewDownloader(),
		stats:      &UsageStats{},
		lengths:    lengths,
	}

	if cfg.RecvPackages.Key != "" {
		secret, err := cfg.RecvPackages.SharedSecret()
		if err != nil {
			return nil, errors.Wrap(err, "NewServer: recv_packages key")
		}
		s.auth = NewAuthVerifier(secret)
	}

	return s, nil
}

func metaDir(cacheDir string) string {
	return cacheDir + "/meta"
}

// Acceptor listens on one address and spawns a ClientRequestActor for
// every accepted connection (spec.md §4.G). Serve blocks until ctx is
// canceled or the listener fails.
type Acceptor struct {
	addr   string
	server *Server
}

// NewAcceptor builds an Acceptor bound to addr (e.g. "0.0.0.0:9039" or
// "[::]:9039").
func NewAcceptor(addr string, server *Server) *Acceptor {
	return &Acceptor{addr: addr, server: server}
}

// Serve runs the accept loop until ctx is canceled.
func (a *Acceptor) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", a.addr)
	if err != nil {
		return errors.Wrap(err, "Acceptor.Serve: listen on "+a.addr)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("acceptor listening", "addr", a.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "Acceptor.Serve: accept on "+a.addr)
			}
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}

		go NewClientRequestActor(tcpConn, a.server).Serve(ctx)
	}
}

// ListenAddresses returns the v4 (and, if enabled, v6) addresses the
// Acceptor(s) should bind, per spec.md §4.G.
func (cfg *Config) ListenAddresses() []string {
	port := strconv.Itoa(cfg.Port)
	addrs := []string{"0.0.0.0:" + port}
	if cfg.IPv6Enabled {
		addrs = append(addrs, "[::]:"+port)
	}
	return addrs
}
