package ircsky

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"

	"gopkg.in/irc.v3"

	"github.com/goeo-/ircsky/bus"
	"github.com/goeo-/ircsky/registry"
	"github.com/goeo-/ircsky/xirc"
)

type userState int

const (
	userStateNew userState = iota
	userStatePass
	userStateLoggedOut
	userStateLoggedIn
)

type capState int

const (
	capStateNew capState = iota
	capStateNegotiating
	capStateEstablished
)

var knownCaps = map[string]bool{"echo-message": true}

// errQuit is the sentinel handleLine returns for QUIT to unwind the session loop
// without treating the disconnect as an error worth logging.
var errQuit = errors.New("client quit")

// subscription pairs a channel name with the bus reader delivering its
// events, in join order (spec.md §3's IRC Session.subscriptions). The
// private "dm" pseudo-channel uses channel == nil.
type subscription struct {
	name    string
	sub     *bus.Sub[registry.Event]
	channel *registry.Channel
}

// Session is one accepted TCP/TLS connection: it owns a user and
// capability state machine, an ordered list of fanout subscriptions, and
// serializes outbound IRC lines (spec.md §4.4, component 5).
type Session struct {
	srv    *Server
	conn   net.Conn
	logger Logger

	writeMu sync.Mutex

	state userState
	pass  string
	nick  string

	// set once state reaches userStateLoggedIn
	did       string
	pds       string
	accessJwt string
	user      *registry.User

	capState capState
	capSet   map[string]bool

	subs []*subscription

	emptyLines int
}

func newSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		srv:    srv,
		conn:   conn,
		logger: newPrefixLogger(srv.Logger, fmt.Sprintf("session %s: ", conn.RemoteAddr())),
		state:  userStateNew,
		capSet: make(map[string]bool),
	}
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	return s.conn.Close()
}

// run drives the session until the connection closes or a fatal error
// occurs: races the socket's next line against every currently-subscribed
// bus reader, handles whichever is ready to completion, then re-arms
// (spec.md §4.4's session loop). The reader goroutine only frames lines and
// forwards them; all command handling happens on this single goroutine.
func (s *Session) run() error {
	defer s.closeSubs()

	lines := make(chan *irc.Message)
	errs := make(chan error, 1)
	go s.readLoop(lines, errs)

	for {
		cases := make([]reflect.SelectCase, 0, 2+2*len(s.subs))
		cases = append(cases,
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(lines)},
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(errs)},
		)
		for _, sub := range s.subs {
			cases = append(cases,
				reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(sub.sub.C())},
				reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(sub.sub.Lagged())},
			)
		}

		chosen, recv, ok := reflect.Select(cases)
		switch {
		case chosen == 0:
			if !ok {
				return nil
			}
			msg := recv.Interface().(*irc.Message)
			if err := s.handleErr(s.handleLine(msg)); err != nil {
				if err == errQuit {
					return nil
				}
				return err
			}

		case chosen == 1:
			if !ok {
				return nil
			}
			err, _ := recv.Interface().(error)
			if err == io.EOF {
				return nil
			}
			return s.terminate(err)

		default:
			idx := (chosen - 2) / 2
			isLagged := (chosen-2)%2 == 1
			sub := s.subs[idx]
			if !ok {
				continue // bus/sub torn down from under us; next loop rebuilds cases
			}
			if isLagged {
				return s.terminate(fmt.Errorf("fell behind on %s", sub.name))
			}
			ev := recv.Interface().(registry.Event)
			if err := s.handleErr(s.handleEvent(sub, ev)); err != nil {
				return err
			}
		}
	}
}

// readLoop reads \n-terminated lines off the connection, tracking the
// consecutive-empty-line counter (spec.md §3, §4.4, §8 scenario 6) and
// parsing everything else as an IRC message.
func (s *Session) readLoop(lines chan<- *irc.Message, errs chan<- error) {
	r := bufio.NewReader(s.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			errs <- err
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			s.emptyLines++
			if s.emptyLines > 10 {
				errs <- xirc.ProtocolError("ircsky speaks IRC")
				return
			}
			continue
		}
		s.emptyLines = 0

		msg, err := irc.ParseMessage(line)
		if err != nil {
			errs <- xirc.ProtocolError(fmt.Sprintf("malformed message: %v", err))
			return
		}
		lines <- msg
	}
}

// handleErr classifies a command handler's outcome: a nil or xirc.Error
// result lets the session keep running (an Error is written back as its own
// numeric reply, sourced from the server name when it carries no prefix);
// errQuit is passed through; anything else is fatal and gets framed as an
// ERROR line.
func (s *Session) handleErr(err error) error {
	if err == nil {
		return nil
	}
	if err == errQuit {
		return errQuit
	}
	var ircErr xirc.Error
	if errors.As(err, &ircErr) {
		if ircErr.Message.Prefix == nil {
			ircErr.Message.Prefix = &irc.Prefix{Name: s.srv.Hostname}
		}
		if werr := s.writeMessage(ircErr.Message); werr != nil {
			return werr
		}
		return nil
	}
	return s.terminate(err)
}

func (s *Session) terminate(err error) error {
	_ = s.writeMessage(&irc.Message{Command: "ERROR", Params: []string{err.Error()}})
	return err
}

func (s *Session) closeSubs() {
	for _, sub := range s.subs {
		sub.sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Session) findSub(name string) *subscription {
	if i := s.findSubIndex(name); i >= 0 {
		return s.subs[i]
	}
	return nil
}

func (s *Session) findSubIndex(name string) int {
	for i, sub := range s.subs {
		if sub.name == name {
			return i
		}
	}
	return -1
}

func (s *Session) targetNick() string {
	if s.nick == "" {
		return "*"
	}
	return s.nick
}

// fullSource is the "nick!identity@the.atmosphere" prefix used on outbound
// lines sourced from this session (spec.md §4.4.3's JOIN, and the welcome
// line in §8 scenario 1).
func (s *Session) fullSource() string {
	identity := "logged-out"
	if s.state == userStateLoggedIn {
		identity = s.did
	}
	return s.nick + "!" + identity + "@the.atmosphere"
}

func (s *Session) writeMessage(msg *irc.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.srv.Debug {
		s.logger.Printf("-> %v", msg)
	}
	line := msg.String() + "\r\n"
	_, err := io.WriteString(s.conn, line)
	return err
}

// writeReply sends a numeric reply, prefixing it with the server name and
// the client's current target nick ("*" before registration).
func (s *Session) writeReply(numeric string, params ...string) error {
	return s.writeMessage(&irc.Message{
		Prefix:  &irc.Prefix{Name: s.srv.Hostname},
		Command: numeric,
		Params:  append([]string{s.targetNick()}, params...),
	})
}

// handleEvent renders a fanout event as an IRC line, suppressing it when the
// actor is this session's own DID and echo-message is not enabled (spec.md
// §4.4.7). An actor with no verified handle renders under its DID instead
// of crashing (spec.md §9's corrective fallback).
func (s *Session) handleEvent(sub *subscription, ev registry.Event) error {
	switch e := ev.(type) {
	case registry.JoinEvent:
		if s.suppress(e.User) {
			return nil
		}
		return s.writeMessage(&irc.Message{
			Prefix:  &irc.Prefix{Name: e.User.RenderNick() + "!" + e.User.DID + "@the.atmosphere"},
			Command: "JOIN",
			Params:  []string{e.ChannelName},
		})
	case registry.PartEvent:
		if s.suppress(e.User) {
			return nil
		}
		return s.writeMessage(&irc.Message{
			Prefix:  &irc.Prefix{Name: e.User.RenderNick() + "!" + e.User.DID + "@the.atmosphere"},
			Command: "PART",
			Params:  []string{e.ChannelName},
		})
	case registry.MessageEvent:
		if s.suppress(e.User) {
			return nil
		}
		return s.writeMessage(&irc.Message{
			Prefix:  &irc.Prefix{Name: e.User.RenderNick() + "!" + e.User.DID + "@the.atmosphere"},
			Command: "PRIVMSG",
			Params:  []string{e.ChannelName, e.Record.Content},
		})
	default:
		return nil
	}
}

func (s *Session) suppress(actor *registry.User) bool {
	if s.state != userStateLoggedIn || actor == nil {
		return false
	}
	return actor.DID == s.did && !s.capSet["echo-message"]
}
