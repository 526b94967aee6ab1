// Package server implements the TCP server for Kestrel using the memcache
// text protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strategist922/kestrel/internal/config"
	"github.com/strategist922/kestrel/internal/journal"
	"github.com/strategist922/kestrel/internal/protocol"
	"github.com/strategist922/kestrel/internal/queue"
	"github.com/strategist922/kestrel/internal/version"
)

// Version is the Kestrel version string.
var Version = version.Version

// Exptime values above this are absolute unix timestamps rather than
// relative seconds, per memcache convention.
const relativeExpiryCap = 60 * 60 * 24 * 30

// clientConn represents a client connection with state.
type clientConn struct {
	id          int64
	conn        net.Conn
	addr        string
	createdAt   time.Time
	lastCommand time.Time
	cmdCount    int64

	// open reliable reads, one per queue: queue name -> xid
	openReads map[string]uint32
}

// Server represents the Kestrel TCP server.
type Server struct {
	addr       string
	queues     *queue.Collection
	cfg        *config.Config
	configPath string

	listener   net.Listener
	mu         sync.RWMutex
	closed     bool
	clients    map[int64]*clientConn
	nextConnID int64
	startTime  time.Time
	logger     *slog.Logger

	connCount        atomic.Int64
	totalConnections atomic.Int64
	totalCommands    atomic.Int64
	cmdGet           atomic.Int64
	cmdSet           atomic.Int64
	getHits          atomic.Int64
	getMisses        atomic.Int64

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a server for the collection. configPath is re-read by the
// RELOAD command; it may be empty.
func New(cfg *config.Config, queues *queue.Collection, configPath string) *Server {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(log.Writer(), &slog.HandlerOptions{Level: level}))

	return &Server{
		addr:       cfg.Addr,
		queues:     queues,
		cfg:        cfg,
		configPath: configPath,
		clients:    make(map[int64]*clientConn),
		startTime:  time.Now(),
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// ShutdownRequested is closed when a client issues the SHUTDOWN command.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed {
				break
			}
			log.Printf("server: accept error: %v", err)
			continue
		}

		if s.cfg.MaxClients > 0 && int(s.connCount.Load()) >= s.cfg.MaxClients {
			conn.Close()
			continue
		}

		client := &clientConn{
			id:          atomic.AddInt64(&s.nextConnID, 1),
			conn:        conn,
			addr:        conn.RemoteAddr().String(),
			createdAt:   time.Now(),
			lastCommand: time.Now(),
			openReads:   make(map[string]uint32),
		}
		s.mu.Lock()
		s.clients[client.id] = client
		s.mu.Unlock()
		s.connCount.Add(1)
		s.totalConnections.Add(1)

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(client)
		}()
	}

	wg.Wait()
	return nil
}

// Close stops accepting and disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	clients := make([]*clientConn, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range clients {
		c.conn.Close()
	}
}

// Addr returns the bound listen address, once Start has run.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// handleConnection serves one client until it disconnects. Any open
// reliable reads are aborted on the way out so their items return to their
// queues.
func (s *Server) handleConnection(client *clientConn) {
	defer func() {
		client.conn.Close()
		s.abortOpenReads(client)
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		s.connCount.Add(-1)
	}()

	reader := protocol.NewReader(client.conn)
	writer := protocol.NewWriter(client.conn)

	for {
		if s.cfg.ClientTimeout > 0 {
			client.conn.SetReadDeadline(time.Now().Add(time.Duration(s.cfg.ClientTimeout)))
		}

		req, err := reader.ReadRequest()
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidProtocol) {
				writer.WriteClientError(err.Error())
				writer.Flush()
				continue
			}
			if err != io.EOF && !isClosedConnError(err) {
				log.Printf("server: failed to read from %s: %v", client.addr, err)
			}
			return
		}

		client.lastCommand = time.Now()
		client.cmdCount++
		s.totalCommands.Add(1)

		// a blocking get may legitimately outlive the idle deadline
		client.conn.SetReadDeadline(time.Time{})

		if !s.dispatch(client, writer, req) {
			writer.Flush()
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

// dispatch executes one request. It returns false when the connection
// should close.
func (s *Server) dispatch(client *clientConn, w *protocol.Writer, req protocol.Request) bool {
	switch req.Name {
	case "set":
		s.handleSet(w, req)
	case "get", "gets":
		s.handleGet(client, w, req)
	case "delete":
		if err := s.queues.Delete(req.Key); err != nil {
			log.Printf("server: DELETE error: %v", err)
			w.WriteServerError(err.Error())
			return true
		}
		w.WriteDeleted()
	case "flush":
		if err := s.queues.Flush(req.Key); err != nil {
			log.Printf("server: FLUSH error: %v", err)
			w.WriteServerError(err.Error())
			return true
		}
		w.WriteOK()
	case "flush_all":
		if err := s.queues.FlushAll(); err != nil {
			log.Printf("server: FLUSH_ALL error: %v", err)
			w.WriteServerError(err.Error())
			return true
		}
		w.WriteOK()
	case "stats":
		w.WriteStats(s.stats())
	case "version":
		w.WriteVersion(Version)
	case "reload":
		s.handleReload(w)
	case "quit":
		return false
	case "shutdown":
		s.shutdownOnce.Do(func() { close(s.shutdownCh) })
		return false
	default:
		w.WriteError()
	}
	return true
}

// expiryDuration converts a memcache exptime into a relative duration.
func expiryDuration(exptime uint32) time.Duration {
	if exptime == 0 {
		return 0
	}
	if exptime <= relativeExpiryCap {
		return time.Duration(exptime) * time.Second
	}
	until := time.Until(time.Unix(int64(exptime), 0))
	if until <= 0 {
		// already expired; smallest useful value so the item is
		// discarded on first read
		return time.Millisecond
	}
	return until
}

func (s *Server) handleSet(w *protocol.Writer, req protocol.Request) {
	s.cmdSet.Add(1)
	err := s.queues.Add(req.Key, req.Data, expiryDuration(req.Exptime))
	switch {
	case err == nil:
		w.WriteStored()
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrItemTooLarge):
		w.WriteNotStored()
	case errors.Is(err, queue.ErrBadQueueName):
		w.WriteClientError(err.Error())
	default:
		log.Printf("server: SET error: %v", err)
		w.WriteServerError(err.Error())
	}
}

// getOptions is the parsed form of a get's slash modifiers.
type getOptions struct {
	timeout time.Duration
	open    bool
	close   bool
	abort   bool
	peek    bool
}

func parseGetOptions(opts []string) (getOptions, error) {
	var g getOptions
	for _, opt := range opts {
		switch {
		case opt == "open":
			g.open = true
		case opt == "close":
			g.close = true
		case opt == "abort":
			g.abort = true
		case opt == "peek":
			g.peek = true
		case strings.HasPrefix(opt, "t="):
			ms, err := strconv.ParseUint(opt[2:], 10, 32)
			if err != nil {
				return g, fmt.Errorf("bad timeout %q", opt)
			}
			g.timeout = time.Duration(ms) * time.Millisecond
		default:
			return g, fmt.Errorf("unknown option %q", opt)
		}
	}
	if g.abort && (g.open || g.close || g.peek) {
		return g, fmt.Errorf("abort cannot be combined with other options")
	}
	if g.peek && (g.open || g.close) {
		return g, fmt.Errorf("peek cannot be combined with open or close")
	}
	return g, nil
}

func (s *Server) handleGet(client *clientConn, w *protocol.Writer, req protocol.Request) {
	s.cmdGet.Add(1)

	opts, err := parseGetOptions(req.Options)
	if err != nil {
		w.WriteClientError(err.Error())
		return
	}

	if opts.abort {
		xid, ok := client.openReads[req.Key]
		if !ok {
			w.WriteClientError("no open read on " + req.Key)
			return
		}
		if err := s.queues.Unremove(req.Key, xid); err != nil && !errors.Is(err, queue.ErrUnknownXid) {
			w.WriteServerError(err.Error())
			return
		}
		delete(client.openReads, req.Key)
		w.WriteEnd()
		return
	}

	if opts.close {
		if xid, ok := client.openReads[req.Key]; ok {
			if err := s.queues.ConfirmRemove(req.Key, xid); err != nil && !errors.Is(err, queue.ErrUnknownXid) {
				w.WriteServerError(err.Error())
				return
			}
			delete(client.openReads, req.Key)
		}
		if !opts.open {
			w.WriteEnd()
			return
		}
	}

	if opts.peek {
		item, err := s.queues.Peek(req.Key)
		if err != nil {
			w.WriteServerError(err.Error())
			return
		}
		s.writeItem(w, req.Key, item)
		return
	}

	if opts.open {
		if _, ok := client.openReads[req.Key]; ok {
			w.WriteClientError("already open read on " + req.Key)
			return
		}
		item, err := s.queues.Remove(req.Key, opts.timeout, true)
		if err != nil {
			w.WriteServerError(err.Error())
			return
		}
		if item != nil {
			client.openReads[req.Key] = item.Xid
		}
		s.writeItem(w, req.Key, item)
		return
	}

	item, err := s.queues.Remove(req.Key, opts.timeout, false)
	if err != nil {
		w.WriteServerError(err.Error())
		return
	}
	s.writeItem(w, req.Key, item)
}

func (s *Server) writeItem(w *protocol.Writer, key string, item *journal.Item) {
	if item == nil {
		s.getMisses.Add(1)
		w.WriteEnd()
		return
	}
	s.getHits.Add(1)
	w.WriteValue(key, 0, item.Data)
}

func (s *Server) handleReload(w *protocol.Writer) {
	if s.configPath == "" {
		w.WriteClientError("no config file to reload")
		return
	}
	cfg, err := config.Load(s.configPath)
	if err != nil {
		log.Printf("server: RELOAD error: %v", err)
		w.WriteServerError(err.Error())
		return
	}
	s.queues.SetConfig(cfg)
	s.logger.Info("config reloaded", "path", s.configPath)
	w.WriteOK()
}

// abortOpenReads returns a disconnecting client's tentative removes to
// their queues.
func (s *Server) abortOpenReads(client *clientConn) {
	for name, xid := range client.openReads {
		if err := s.queues.Unremove(name, xid); err != nil && !errors.Is(err, queue.ErrUnknownXid) {
			log.Printf("server: failed to abort open read on %q: %v", name, err)
		}
	}
	client.openReads = nil
}

// stats assembles the STATS response: server counters first, then per-queue
// gauges in queue_<name>_<stat> form.
func (s *Server) stats() []protocol.Stat {
	uptime := int64(time.Since(s.startTime).Seconds())
	stats := []protocol.Stat{
		{Name: "uptime", Value: strconv.FormatInt(uptime, 10)},
		{Name: "version", Value: Version},
		{Name: "curr_connections", Value: strconv.FormatInt(s.connCount.Load(), 10)},
		{Name: "total_connections", Value: strconv.FormatInt(s.totalConnections.Load(), 10)},
		{Name: "cmd_total", Value: strconv.FormatInt(s.totalCommands.Load(), 10)},
		{Name: "cmd_get", Value: strconv.FormatInt(s.cmdGet.Load(), 10)},
		{Name: "cmd_set", Value: strconv.FormatInt(s.cmdSet.Load(), 10)},
		{Name: "get_hits", Value: strconv.FormatInt(s.getHits.Load(), 10)},
		{Name: "get_misses", Value: strconv.FormatInt(s.getMisses.Load(), 10)},
	}

	queueStats := s.queues.Stats()
	names := make([]string, 0, len(queueStats))
	for name := range queueStats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st := queueStats[name]
		prefix := "queue_" + name + "_"
		add := func(stat string, v int64) {
			stats = append(stats, protocol.Stat{Name: prefix + stat, Value: strconv.FormatInt(v, 10)})
		}
		add("items", st.Items)
		add("bytes", st.Bytes)
		add("total_items", st.TotalItems)
		add("logsize", st.JournalBytes)
		add("expired_items", st.TotalExpired)
		add("discarded", st.TotalDiscarded)
		add("mem_items", int64(st.MemoryItems))
		add("mem_bytes", st.MemoryBytes)
		add("age", st.CurrentAgeMillis)
		add("open_transactions", int64(st.OpenTransactions))
	}
	return stats
}

// isClosedConnError reports whether err is the normal result of shutdown
// closing the connection under the reader.
func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
