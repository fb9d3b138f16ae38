package ircsky

import (
	"sort"
	"strings"

	"gopkg.in/irc.v3"

	"github.com/goeo-/ircsky/xirc"
)

// handleCAP drives the capability state machine (spec.md §4.4.2). Only
// echo-message is ever recognized.
func (s *Session) handleCAP(msg *irc.Message) error {
	var subcmd string
	if err := xirc.ParseParams(msg, &subcmd); err != nil {
		return err
	}
	subcmd = strings.ToUpper(subcmd)

	if s.capState == capStateNew && subcmd != "LS" && subcmd != "REQ" {
		return xirc.ProtocolError("first CAP command must be LS or REQ")
	}

	switch subcmd {
	case "LS":
		if s.capState == capStateNew {
			s.capState = capStateNegotiating
		}
		return s.writeCAP("LS", "echo-message")

	case "REQ":
		if s.capState == capStateNew {
			s.capState = capStateNegotiating
		}
		if len(msg.Params) < 2 {
			return xirc.NewNeedMoreParamsError("CAP")
		}

		var known, unknown []string
		for _, c := range strings.Fields(msg.Params[1]) {
			if knownCaps[c] {
				known = append(known, c)
				s.capSet[c] = true
			} else {
				unknown = append(unknown, c)
			}
		}
		if len(known) > 0 {
			if err := s.writeCAP("ACK", strings.Join(known, " ")); err != nil {
				return err
			}
		}
		if len(unknown) > 0 {
			if err := s.writeCAP("NAK", strings.Join(unknown, " ")); err != nil {
				return err
			}
		}
		return nil

	case "END":
		if s.capState != capStateNegotiating {
			return xirc.ProtocolError("CAP END outside of negotiation")
		}
		s.capState = capStateEstablished
		return nil

	case "LIST":
		if s.capState != capStateEstablished {
			return xirc.ProtocolError("CAP LIST before negotiation is complete")
		}
		enabled := make([]string, 0, len(s.capSet))
		for c := range s.capSet {
			enabled = append(enabled, c)
		}
		sort.Strings(enabled)
		return s.writeCAP("LIST", strings.Join(enabled, " "))

	default:
		return xirc.NewError(xirc.ERR_UNKNOWNCOMMAND, s.targetNick(), "CAP", "Unknown CAP subcommand")
	}
}

func (s *Session) writeCAP(sub string, trailing string) error {
	return s.writeMessage(&irc.Message{
		Prefix:  &irc.Prefix{Name: s.srv.Hostname},
		Command: "CAP",
		Params:  []string{s.targetNick(), sub, trailing},
	})
}
