// Package server answers the replication protocol: a replica accepts the
// changes of the master through one session per connection.
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creativeprojects/mailsync/lib"
	"github.com/creativeprojects/mailsync/mboxlist"
	"github.com/creativeprojects/mailsync/metrics"
	"go.uber.org/atomic"
	"golang.org/x/net/netutil"
)

// DefaultMaxReserved is the number of reserved messages kept by a session before
// ENDUSER asks the client to restart
const DefaultMaxReserved = 1000

type Options struct {
	// TLSConfig enables STARTTLS when not nil
	TLSConfig *tls.Config
	// Users maps the user names allowed to authenticate to their bcrypt password hash.
	// No authentication is asked when empty.
	Users map[string]string
	// LocalMasters are the accounts whose master copy lives on this host:
	// they can never be replaced by a client.
	LocalMasters []string
	// MaxConnections limits the simultaneous connections (0 = no limit)
	MaxConnections int
	// MaxLiteralSize is the largest literal accepted in a command (0 = no limit)
	MaxLiteralSize uint32
	// CommandRate is the number of commands per second accepted on one connection (0 = no limit)
	CommandRate float64
	// StagingDir holds the reserved messages. It should live on the same filesystem
	// as the partitions so messages are hard linked.
	StagingDir string
	// MaxReserved defaults to DefaultMaxReserved
	MaxReserved int
	// IdleTimeout closes a connection without any command for that long (0 = never)
	IdleTimeout time.Duration
	// Debug logs every line exchanged
	Debug bool
}

type Server struct {
	list        *mboxlist.List
	options     Options
	masters     map[string]bool
	log         lib.Logger
	connections atomic.Int32
	closing     atomic.Bool
	mu          sync.Mutex
	listener    net.Listener
	sessions    map[*session]struct{}
	wg          sync.WaitGroup
}

func New(list *mboxlist.List, options Options) (*Server, error) {
	return NewWithLogger(list, options, nil)
}

func NewWithLogger(list *mboxlist.List, options Options, logger lib.Logger) (*Server, error) {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	if list == nil {
		return nil, fmt.Errorf("%w: missing mailbox list", lib.ErrConfig)
	}
	if options.StagingDir == "" {
		options.StagingDir = os.TempDir()
	}
	err := os.MkdirAll(options.StagingDir, 0700)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot create staging directory: %s", lib.ErrConfig, err)
	}
	if options.MaxReserved <= 0 {
		options.MaxReserved = DefaultMaxReserved
	}
	masters := make(map[string]bool, len(options.LocalMasters))
	for _, user := range options.LocalMasters {
		masters[user] = true
	}
	return &Server{
		list:     list,
		options:  options,
		masters:  masters,
		log:      logger,
		sessions: make(map[*session]struct{}),
	}, nil
}

// ListenAndServe listens on the TCP address and serves until Close is called
func (s *Server) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("%w: cannot listen on %s: %s", lib.ErrIO, address, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Close is called. It returns nil after Close.
func (s *Server) Serve(listener net.Listener) error {
	if s.options.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.options.MaxConnections)
	}
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		return listener.Close()
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.Printf("listening on %s", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Printf("accept: %s", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("%w: accept: %s", lib.ErrIO, err)
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()

	_, isTLS := conn.(*tls.Conn)
	metrics.ConnectionOpened(isTLS)
	defer metrics.ConnectionClosed()
	count := s.connections.Inc()
	defer s.connections.Dec()

	sess := newSession(s, conn)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	sess.log.Printf("connected (%d open)", count)
	sess.run()
	sess.log.Printf("disconnected")
}

// Connections returns the number of open connections
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// Close stops accepting connections, closes the open ones and waits for their sessions to end
func (s *Server) Close() error {
	s.closing.Store(true)
	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) isLocalMaster(user string) bool {
	return s.masters[user]
}
