package ircsky

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/goeo-/ircsky/atp"
	"github.com/goeo-/ircsky/registry"
)

var keepAlivePeriod = time.Minute

func setKeepAlive(c net.Conn) error {
	tcpConn, ok := c.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("cannot enable keep-alive on a non-TCP connection")
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}
	return tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
}

// Server accepts TCP/TLS connections and spawns one Session per accepted
// connection (spec.md §4.5, component 6 "Listener"). It holds no per-client
// state of its own; all cross-client state lives in Registry.
type Server struct {
	Hostname       string // sent as the server name in numerics' prefix
	Network        string // ISUPPORT NETWORK token
	Motd           string // resolved MOTD body, or "" if absent
	GeneralChannel string // auto-joined on registration, e.g. "#general@psky.social"
	Logger         Logger
	Debug          bool

	Registry  *registry.Registry
	Directory *atp.Client

	lock     sync.Mutex
	sessions map[*Session]struct{}
}

func NewServer(reg *registry.Registry, directory *atp.Client) *Server {
	return &Server{
		Hostname:  "ircsky",
		Network:   "ircsky",
		Logger:    log.New(log.Writer(), "", log.LstdFlags),
		Registry:  reg,
		Directory: directory,
		sessions:  make(map[*Session]struct{}),
	}
}

func (s *Server) trackSession(sess *Session) {
	s.lock.Lock()
	s.sessions[sess] = struct{}{}
	s.lock.Unlock()
}

func (s *Server) untrackSession(sess *Session) {
	s.lock.Lock()
	delete(s.sessions, sess)
	s.lock.Unlock()
}

// Serve accepts connections on ln until Accept returns an error, spawning
// one Session per connection. Accept errors are fatal, per spec.md §4.5.
func (s *Server) Serve(ln net.Listener) error {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}

		setKeepAlive(netConn)

		sess := newSession(s, netConn)
		s.trackSession(sess)
		go func() {
			defer s.untrackSession(sess)
			if err := sess.run(); err != nil {
				sess.logger.Print(err)
			}
			sess.Close()
		}()
	}
}

// ListenTLS builds a *tls.Config from a PEM certificate/key pair, failing
// fast on load error, per spec.md §4.5.
func ListenTLS(certs, key string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certs, key)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
