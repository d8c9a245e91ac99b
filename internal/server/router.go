// Package server runs the daemon's line protocol control listener. Each request is one
// line; each reply is "OK [json]", "PONG" or "ERR message".
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-snapshot/internal/archive"
	"github.com/celerix-dev/celerix-snapshot/internal/transfer"
	"github.com/celerix-dev/celerix-snapshot/internal/vault"
	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

const (
	defaultMaxConns = 100
	idleTimeout     = 5 * time.Minute
	maxLineBytes    = 64 << 10
)

// Options configures a Router.
type Options struct {
	// Passphrase opens sealed archives and seals exports when Seal is set.
	Passphrase string
	Seal       bool
	Dangling   transfer.DanglingPolicy
	MaxConns   int
	// TLS wraps the listener when non-nil.
	TLS    *tls.Config
	Logger *slog.Logger
}

type Router struct {
	engine  *transfer.Engine
	archive archive.Archive
	opts    Options
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func NewRouter(e *transfer.Engine, a archive.Archive, opts Options) *Router {
	if opts.MaxConns <= 0 {
		opts.MaxConns = defaultMaxConns
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{engine: e, archive: a, opts: opts, logger: logger, ctx: ctx, cancel: cancel}
}

// LoadTLS reads a PEM certificate and key pair for the listener.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load control certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// Listen accepts connections on addr until Stop is called.
func (r *Router) Listen(addr string) error {
	var listener net.Listener
	var err error
	if r.opts.TLS != nil {
		listener, err = tls.Listen("tcp", addr, r.opts.TLS)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	r.listener = listener
	r.mu.Unlock()
	r.logger.Info("control listener started", "addr", listener.Addr().String(), "tls", r.opts.TLS != nil)

	semaphore := make(chan struct{}, r.opts.MaxConns)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				r.wg.Wait()
				return nil
			}
			r.logger.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		r.wg.Add(1)
		go func(c net.Conn) {
			defer r.wg.Done()
			select {
			case semaphore <- struct{}{}:
			case <-r.ctx.Done():
				c.Close()
				return
			}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.handleConnection(c)
		}(conn)
	}
}

// Addr returns the bound address, or nil before Listen has bound.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener and cancels the requests in flight.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel()
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

func (r *Router) handleConnection(conn net.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		command := strings.ToUpper(parts[0])
		if command == "QUIT" {
			return
		}
		r.dispatch(conn, command, parts[1:])
		if r.ctx.Err() != nil {
			return
		}
	}
}

func (r *Router) dispatch(w io.Writer, command string, args []string) {
	ctx := r.ctx
	switch command {
	case "PING":
		fmt.Fprintln(w, "PONG")

	case "SECTIONS":
		reg := r.engine.Registry()
		var keys []string
		for _, sec := range reg.Sections() {
			if sec.Scope == schema.ScopeCentral || reg.Served(ctx, sec.Key) {
				keys = append(keys, sec.Key)
			}
		}
		reply(w, keys, nil)

	case "SNAPSHOTS":
		entries, err := r.archive.List(ctx)
		reply(w, entries, err)

	case "EXPORT":
		// EXPORT [name|-] [section,...]
		var name string
		var sections []string
		if len(args) > 0 && args[0] != "-" {
			name = args[0]
		}
		if len(args) > 1 {
			sections = strings.Split(args[1], ",")
		}
		entry, err := r.export(ctx, name, sections)
		reply(w, entry, err)

	case "IMPORT":
		// IMPORT name [sections=a,b] [dangling=drop] [dry_run=true] [strict=true]
		if len(args) == 0 {
			fmt.Fprintln(w, "ERR usage: IMPORT name [key=value ...]")
			return
		}
		report, err := r.importArchived(ctx, args[0], args[1:])
		reply(w, report, err)

	case "DELETE":
		if len(args) != 1 {
			fmt.Fprintln(w, "ERR usage: DELETE name")
			return
		}
		if err := r.archive.Delete(ctx, args[0]); err != nil {
			fmt.Fprintln(w, "ERR", err)
			return
		}
		fmt.Fprintln(w, "OK")

	default:
		fmt.Fprintln(w, "ERR unknown command", command)
	}
}

func (r *Router) export(ctx context.Context, name string, sections []string) (archive.Entry, error) {
	snap, err := r.engine.Export(ctx, sections)
	if err != nil {
		return archive.Entry{}, err
	}
	data, err := snapshot.Marshal(snap, snapshot.FormatJSON)
	if err != nil {
		return archive.Entry{}, err
	}
	if r.opts.Seal {
		if data, err = vault.Seal(data, r.opts.Passphrase); err != nil {
			return archive.Entry{}, err
		}
	}
	if name == "" {
		name = archive.DefaultName(snap.ExportedAt)
	}
	return r.archive.Save(ctx, name, snapshot.FormatJSON, data)
}

func (r *Router) importArchived(ctx context.Context, name string, args []string) (*transfer.Report, error) {
	opts, err := r.importOptions(args)
	if err != nil {
		return nil, err
	}
	entry, data, err := r.archive.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	plain, err := vault.Open(data, r.opts.Passphrase)
	if err != nil {
		return nil, err
	}
	snap, err := snapshot.Unmarshal(plain, entry.Format)
	if err != nil {
		return nil, err
	}
	report, err := r.engine.Import(ctx, snap, opts)
	if err != nil {
		if report != nil {
			r.logger.Warn("control import stopped after partial commit", "snapshot", name, "tenants", len(report.Tenants), "error", err)
		}
		return nil, err
	}
	return report, nil
}

func (r *Router) importOptions(args []string) (transfer.ImportOptions, error) {
	opts := transfer.ImportOptions{Dangling: r.opts.Dangling}
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			return opts, fmt.Errorf("expected key=value, got %q", arg)
		}
		var err error
		switch strings.ToLower(key) {
		case "sections":
			opts.Sections = strings.Split(val, ",")
		case "dangling":
			opts.Dangling, err = transfer.ParseDanglingPolicy(val)
		case "dry_run":
			opts.DryRun, err = strconv.ParseBool(val)
		case "strict":
			opts.StrictSections, err = strconv.ParseBool(val)
		default:
			err = fmt.Errorf("unknown option %q", key)
		}
		if err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func reply(w io.Writer, val any, err error) {
	if err != nil {
		fmt.Fprintln(w, "ERR", oneLine(err.Error()))
		return
	}
	res, err := json.Marshal(val)
	if err != nil {
		fmt.Fprintln(w, "ERR internal error")
		return
	}
	fmt.Fprintln(w, "OK", string(res))
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
