package registry

import "github.com/goeo-/ircsky/atp"

// Event is a fanout payload delivered over a Channel's or User's bus:
// Join, Part, or Message (spec.md §3).
type Event interface {
	isEvent()
}

// JoinEvent announces that User is now considered a member of ChannelName.
type JoinEvent struct {
	User        *User
	ChannelName string
}

// PartEvent announces that User has left ChannelName.
type PartEvent struct {
	User        *User
	ChannelName string
}

// MessageEvent carries a chat message from User into ChannelName (or, for a
// direct message, into a recipient's outbox, in which case ChannelName holds
// the recipient's handle instead of a room name).
type MessageEvent struct {
	User        *User
	Record      atp.MessageRecord
	ChannelName string
}

func (JoinEvent) isEvent()    {}
func (PartEvent) isEvent()    {}
func (MessageEvent) isEvent() {}
