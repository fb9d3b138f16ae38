package ircsky

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/irc.v3"

	"github.com/goeo-/ircsky/atp"
	"github.com/goeo-/ircsky/registry"
	"github.com/goeo-/ircsky/xirc"
)

// handleLine dispatches one parsed inbound message (spec.md §4.4: "Command
// dispatch (case-insensitive)").
func (s *Session) handleLine(msg *irc.Message) error {
	if s.srv.Debug {
		s.logger.Printf("<- %v", msg)
	}

	switch strings.ToUpper(msg.Command) {
	case "CAP":
		return s.handleCAP(msg)
	case "PASS":
		return s.handlePASS(msg)
	case "NICK":
		return s.handleNICK(msg)
	case "USER":
		return nil // accepted, no-op
	case "PING":
		return s.handlePING(msg)
	case "PONG":
		return nil
	case "QUIT":
		return errQuit
	case "JOIN":
		return s.requireRegistered(s.handleJOIN, msg)
	case "PART":
		return s.requireRegistered(s.handlePART, msg)
	case "PRIVMSG":
		return s.requireRegistered(s.handlePRIVMSG, msg)
	case "TOPIC":
		return s.requireRegistered(s.handleTOPIC, msg)
	case "NAMES":
		return s.requireRegistered(s.handleNAMES, msg)
	case "WHO":
		return s.requireRegistered(s.handleWHO, msg)
	case "LIST":
		return s.requireRegistered(s.handleLIST, msg)
	case "MODE":
		return s.requireRegistered(s.handleMODE, msg)
	case "MOTD":
		return s.requireRegistered(func(*irc.Message) error { return s.sendMOTD() }, msg)
	default:
		if s.state == userStateNew {
			return xirc.ProtocolError("Unknown command before registration")
		}
		return xirc.NewError(xirc.ERR_UNKNOWNCOMMAND, s.targetNick(), msg.Command, "Unknown command")
	}
}

// requireRegistered gates a handler behind having left the NEW state,
// replying with the "not registered" numeric otherwise (spec.md §4.4.1's
// "other" column for the NEW row).
func (s *Session) requireRegistered(handler func(*irc.Message) error, msg *irc.Message) error {
	if s.state == userStateNew {
		return xirc.NewError(xirc.ERR_NOTREGISTERED, s.targetNick(), "You have not registered")
	}
	return handler(msg)
}

func (s *Session) handlePING(msg *irc.Message) error {
	var payload string
	if err := xirc.ParseParams(msg, &payload); err != nil {
		return err
	}
	return s.writeMessage(&irc.Message{
		Prefix:  &irc.Prefix{Name: s.srv.Hostname},
		Command: "PONG",
		Params:  []string{"ircsky", payload},
	})
}

func (s *Session) handlePASS(msg *irc.Message) error {
	var pass string
	if err := xirc.ParseParams(msg, &pass); err != nil {
		return err
	}
	if s.state != userStateNew {
		return xirc.ProtocolError("PASS after registration")
	}
	s.pass = pass
	s.state = userStatePass
	return nil
}

func (s *Session) handleNICK(msg *irc.Message) error {
	var nick string
	if err := xirc.ParseParams(msg, &nick); err != nil {
		return err
	}

	switch s.state {
	case userStateNew:
		s.nick = nick
		s.state = userStateLoggedOut
		if err := s.writeMessage(&irc.Message{
			Prefix:  &irc.Prefix{Name: s.srv.Hostname},
			Command: "NOTICE",
			Params:  []string{nick, "Logged in as a guest; you are invisible to others."},
		}); err != nil {
			return err
		}
		return s.finishRegistration()

	case userStatePass:
		s.nick = nick
		return s.login(nick)

	case userStateLoggedOut, userStateLoggedIn:
		return xirc.NewError(xirc.ERR_NICKNAMEINUSE, s.targetNick(), nick, "Can't change nickname")

	default:
		return xirc.ProtocolError("unexpected NICK")
	}
}

// login implements spec.md §4.4.1's PASS(p), NICK n transition: resolve,
// authenticate against the auth endpoint the user's PDS advertises, verify the DID the auth server
// returns matches the one the directory resolved, then register.
func (s *Session) login(nick string) error {
	ctx := context.Background()

	did, err := s.srv.Directory.ResolveHandle(ctx, nick)
	if err != nil {
		return xirc.AuthError(fmt.Sprintf("could not resolve %q: %v", nick, err))
	}
	doc, err := s.srv.Directory.GetDIDDocument(ctx, did)
	if err != nil {
		return xirc.AuthError(fmt.Sprintf("could not fetch DID document for %q: %v", nick, err))
	}
	pds, err := doc.PDSEndpoint()
	if err != nil {
		return xirc.AuthError(fmt.Sprintf("no PDS for %q: %v", nick, err))
	}
	authEndpoint, err := s.srv.Directory.GetAuthEndpoint(ctx, pds)
	if err != nil {
		return xirc.AuthError(fmt.Sprintf("no auth endpoint for %q: %v", nick, err))
	}

	session, err := s.srv.Directory.Login(ctx, authEndpoint, nick, s.pass)
	if err != nil {
		return xirc.AuthError(fmt.Sprintf("login failed for %q: %v", nick, err))
	}
	if session.DID != did {
		return xirc.AuthError(fmt.Sprintf("DID mismatch for %q: resolved %s, logged in as %s", nick, did, session.DID))
	}

	u, _, err := s.srv.Registry.GetUser(ctx, did)
	if err != nil {
		return xirc.AuthError(fmt.Sprintf("could not load user %q: %v", nick, err))
	}
	u.SetHandle(nick) // the login round trip above already proves resolveHandle(nick) == did

	s.did = did
	s.pds = pds
	s.accessJwt = session.AccessJwt
	s.user = u
	s.state = userStateLoggedIn

	outbox := u.EnsureOutbox()
	s.subs = append(s.subs, &subscription{name: "dm", sub: outbox.Subscribe()})

	return s.finishRegistration()
}

// finishRegistration runs the common tail of both the guest and
// authenticated registration flows: welcome numerics, MOTD, auto-join.
func (s *Session) finishRegistration() error {
	if err := s.sendWelcome(); err != nil {
		return err
	}
	if err := s.handleErr(s.sendMOTD()); err != nil {
		return err
	}
	return s.autoJoinGeneral()
}

func (s *Session) sendWelcome() error {
	source := s.fullSource()
	lines := [][]string{
		{xirc.RPL_WELCOME, fmt.Sprintf("welcome to ircsky, %s", source)},
		{xirc.RPL_YOURHOST, fmt.Sprintf("Your host is %s", s.srv.Hostname)},
		{xirc.RPL_CREATED, "This server has no particular creation date"},
		{xirc.RPL_MYINFO, s.srv.Hostname, "ircsky", "", ""},
		{xirc.RPL_ISUPPORT, "CHANTYPES=#", "PREFIX=", "NETWORK=" + s.srv.Network, "are supported by this server"},
	}
	for _, l := range lines {
		if err := s.writeReply(l[0], l[1:]...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) autoJoinGeneral() error {
	if s.srv.GeneralChannel == "" {
		return nil
	}
	return s.handleJOIN(&irc.Message{Command: "JOIN", Params: []string{s.srv.GeneralChannel}})
}

func (s *Session) sendMOTD() error {
	if s.srv.Motd == "" {
		return xirc.NewError(xirc.ERR_NOMOTD, s.targetNick(), "MOTD File is missing")
	}
	if err := s.writeReply(xirc.RPL_MOTDSTART, fmt.Sprintf("- %s Message of the Day -", s.srv.Hostname)); err != nil {
		return err
	}
	for _, line := range strings.Split(s.srv.Motd, "\n") {
		if err := s.writeReply(xirc.RPL_MOTD, "- "+line); err != nil {
			return err
		}
	}
	return s.writeReply(xirc.RPL_ENDOFMOTD, "End of /MOTD command")
}

// handleJOIN implements spec.md §4.4.3.
func (s *Session) handleJOIN(msg *irc.Message) error {
	var channelsParam string
	if err := xirc.ParseParams(msg, &channelsParam); err != nil {
		return err
	}

	for _, name := range strings.Split(channelsParam, ",") {
		if s.findSub(name) != nil {
			continue // idempotent
		}

		ch, err := s.resolveChannelOrNumeric(name)
		if err != nil {
			if werr := s.handleErr(err); werr != nil {
				return werr
			}
			continue
		}
		if ch == nil {
			continue
		}

		sub := ch.Bus.Subscribe()
		s.subs = append(s.subs, &subscription{name: name, sub: sub, channel: ch})

		if s.state == userStateLoggedIn {
			ch.AddMember(s.did)
			ch.Bus.Publish(registry.JoinEvent{User: s.user, ChannelName: ch.Name()})
		}

		if err := s.writeMessage(&irc.Message{
			Prefix:  &irc.Prefix{Name: s.fullSource()},
			Command: "JOIN",
			Params:  []string{name},
		}); err != nil {
			return err
		}

		if ch.Room().Topic != "" {
			if err := s.sendTopic(ch); err != nil {
				return err
			}
		}
		if err := s.sendNames(ch); err != nil {
			return err
		}
	}
	return nil
}

// handlePART implements spec.md §4.4.4.
func (s *Session) handlePART(msg *irc.Message) error {
	var channelsParam string
	if err := xirc.ParseParams(msg, &channelsParam); err != nil {
		return err
	}

	for _, name := range strings.Split(channelsParam, ",") {
		ch, err := s.resolveChannelOrNumeric(name)
		if err != nil {
			if werr := s.handleErr(err); werr != nil {
				return werr
			}
			continue
		}
		if ch == nil {
			continue
		}

		idx := s.findSubIndex(name)
		if idx < 0 {
			if werr := s.handleErr(xirc.NewError(xirc.ERR_NOTONCHANNEL, s.targetNick(), name, "You're not on that channel")); werr != nil {
				return werr
			}
			continue
		}
		sub := s.subs[idx]
		sub.sub.Unsubscribe()
		s.subs = append(s.subs[:idx], s.subs[idx+1:]...)

		if s.state == userStateLoggedIn {
			ch.RemoveMember(s.did)
			ch.Bus.Publish(registry.PartEvent{User: s.user, ChannelName: ch.Name()})
		}

		if err := s.writeMessage(&irc.Message{
			Prefix:  &irc.Prefix{Name: s.fullSource()},
			Command: "PART",
			Params:  []string{name},
		}); err != nil {
			return err
		}
	}
	return nil
}

// resolveChannelOrNumeric resolves name, translating a miss or directory
// failure into the 403 numeric as an *xirc.Error (so callers can route it
// through handleErr without treating it as fatal).
func (s *Session) resolveChannelOrNumeric(name string) (*registry.Channel, error) {
	ch, err := s.srv.Registry.ResolveChannel(context.Background(), name)
	if err != nil {
		var derr *xirc.DirectoryError
		if errors.As(err, &derr) {
			return nil, xirc.NewError(xirc.ERR_NOSUCHCHANNEL, s.targetNick(), name, "No such channel")
		}
		return nil, err
	}
	if ch == nil {
		return nil, xirc.NewError(xirc.ERR_NOSUCHCHANNEL, s.targetNick(), name, "No such channel")
	}
	return ch, nil
}

// handlePRIVMSG implements spec.md §4.4.5.
func (s *Session) handlePRIVMSG(msg *irc.Message) error {
	if len(msg.Params) < 1 {
		return xirc.NewNeedMoreParamsError("PRIVMSG")
	}
	target := msg.Params[0]
	if len(msg.Params) < 2 {
		return xirc.NewError(xirc.ERR_NEEDMOREPARAMS, s.targetNick(), "PRIVMSG", "Not enough parameters")
	}
	body := strings.Join(msg.Params[1:], " ")

	if strings.HasPrefix(target, "#") {
		return s.privmsgChannel(target, body)
	}
	return s.privmsgUser(target, body)
}

func (s *Session) privmsgChannel(target, body string) error {
	ch, err := s.resolveChannelOrNumeric(target)
	if err != nil {
		var ircErr xirc.Error
		if errors.As(err, &ircErr) {
			return xirc.NewError(xirc.ERR_CANNOTSENDTOCHAN, s.targetNick(), target, "Cannot send to channel")
		}
		return err
	}
	if s.state != userStateLoggedIn {
		return xirc.NewError(xirc.ERR_CANNOTSENDTOCHAN, s.targetNick(), target, "Cannot send to channel")
	}

	record := atp.MessageRecord{Room: ch.URI, Content: body}
	if err := s.srv.Directory.CreateMessage(context.Background(), s.pds, s.did, s.accessJwt, record); err != nil {
		s.logger.Printf("createRecord failed: %v", err)
		return xirc.NewError(xirc.ERR_CANNOTSENDTOCHAN, s.targetNick(), target, "Cannot send to channel")
	}
	// no local echo: the message comes back through the jetstream.
	return nil
}

func (s *Session) privmsgUser(target, body string) error {
	ctx := context.Background()
	recipientDID, err := s.srv.Registry.Directory.ResolveHandle(ctx, target)
	if err != nil {
		return xirc.NewError(xirc.ERR_NOSUCHNICK, s.targetNick(), target, "No such nick")
	}
	recipient, _, err := s.srv.Registry.GetUser(ctx, recipientDID)
	if err != nil {
		return xirc.NewError(xirc.ERR_NOSUCHNICK, s.targetNick(), target, "No such nick")
	}
	outbox := recipient.Outbox()
	if outbox == nil {
		return xirc.NewError(xirc.ERR_NOSUCHNICK, s.targetNick(), target, "No such nick")
	}

	ev := registry.MessageEvent{User: s.user, Record: atp.MessageRecord{Room: target, Content: body}, ChannelName: target}
	outbox.Publish(ev)
	// a copy reaches the sender's own "dm" subscription too, but handleEvent's
	// suppression means it only renders when echo-message is enabled.
	if s.user != nil {
		if senderOutbox := s.user.Outbox(); senderOutbox != nil {
			senderOutbox.Publish(ev)
		}
	}
	return nil
}

// handleTOPIC implements spec.md §4.4.6: read-only.
func (s *Session) handleTOPIC(msg *irc.Message) error {
	var name string
	if err := xirc.ParseParams(msg, &name); err != nil {
		return err
	}
	if len(msg.Params) > 1 {
		return xirc.NewError(xirc.ERR_CHANOPRIVSNEEDED, s.targetNick(), name, "You're not channel operator")
	}
	ch, err := s.resolveChannelOrNumeric(name)
	if err != nil {
		return err
	}
	return s.sendTopic(ch)
}

func (s *Session) sendTopic(ch *registry.Channel) error {
	topic := ch.Room().Topic
	if topic == "" {
		return s.writeReply(xirc.RPL_NOTOPIC, ch.Name(), "No topic is set")
	}
	return s.writeReply(xirc.RPL_TOPIC, ch.Name(), topic)
}

// handleNAMES implements spec.md §4.4.6.
func (s *Session) handleNAMES(msg *irc.Message) error {
	var name string
	if err := xirc.ParseParams(msg, &name); err != nil {
		return err
	}
	ch, err := s.resolveChannelOrNumeric(name)
	if err != nil {
		return err
	}
	return s.sendNames(ch)
}

func (s *Session) sendNames(ch *registry.Channel) error {
	ctx := context.Background()
	var names []string
	for _, did := range ch.Members() {
		if u, _, err := s.srv.Registry.GetUser(ctx, did); err == nil {
			names = append(names, u.WhoName())
		}
	}

	const chunkSize = 12
	for i := 0; i < len(names) || i == 0; i += chunkSize {
		end := i + chunkSize
		if end > len(names) {
			end = len(names)
		}
		if err := s.writeReply(xirc.RPL_NAMREPLY, "=", ch.Name(), strings.Join(names[i:end], " ")); err != nil {
			return err
		}
	}
	return s.writeReply(xirc.RPL_ENDOFNAMES, ch.Name(), "End of /NAMES list")
}

// handleWHO implements spec.md §4.4.6.
func (s *Session) handleWHO(msg *irc.Message) error {
	var mask string
	if err := xirc.ParseParams(msg, &mask); err != nil {
		return err
	}
	ctx := context.Background()

	if strings.HasPrefix(mask, "#") {
		ch, err := s.resolveChannelOrNumeric(mask)
		if err != nil {
			return err
		}
		for _, did := range ch.Members() {
			if u, _, err := s.srv.Registry.GetUser(ctx, did); err == nil {
				if werr := s.writeWhoReply(ch.Name(), u); werr != nil {
					return werr
				}
			}
		}
		return s.writeReply(xirc.RPL_ENDOFWHO, mask, "End of /WHO list")
	}

	did, err := s.srv.Directory.ResolveHandle(ctx, mask)
	if err == nil {
		if u, _, err := s.srv.Registry.GetUser(ctx, did); err == nil {
			if werr := s.writeWhoReply("*", u); werr != nil {
				return werr
			}
		}
	}
	return s.writeReply(xirc.RPL_ENDOFWHO, mask, "End of /WHO list")
}

func (s *Session) writeWhoReply(channel string, u *registry.User) error {
	name := u.WhoName()
	return s.writeReply(xirc.RPL_WHOREPLY, channel, u.DID, "the.atmosphere", s.srv.Hostname, name, "H", "0 "+name)
}

// handleLIST implements spec.md §4.4.6.
func (s *Session) handleLIST(msg *irc.Message) error {
	if err := s.writeReply(xirc.RPL_LISTSTART, "Channel", "Users Name"); err != nil {
		return err
	}
	for _, ch := range s.srv.Registry.AllChannels() {
		if err := s.writeReply(xirc.RPL_LIST, ch.Name(), strconv.Itoa(ch.MemberCount()), ch.Room().Topic); err != nil {
			return err
		}
	}
	return s.writeReply(xirc.RPL_LISTEND, "End of /LIST")
}

// handleMODE implements spec.md §4.4.6: a static query-only +nrt.
func (s *Session) handleMODE(msg *irc.Message) error {
	var target string
	if err := xirc.ParseParams(msg, &target); err != nil {
		return err
	}
	if !strings.HasPrefix(target, "#") {
		return xirc.NewError(xirc.ERR_USERSDONTMATCH, s.targetNick(), "Can't view modes for other users")
	}
	ch, err := s.resolveChannelOrNumeric(target)
	if err != nil {
		return err
	}
	if len(msg.Params) > 1 {
		return xirc.NewError(xirc.ERR_CHANOPRIVSNEEDED, s.targetNick(), target, "You're not channel operator")
	}
	return s.writeReply(xirc.RPL_CHANNELMODEIS, ch.Name(), "+nrt")
}
