package xirc

// Numeric replies used by the bridge (spec.md §6). Named rather than pulled
// from gopkg.in/irc.v3, which does not export a numeric-constant table.
const (
	RPL_WELCOME  = "001"
	RPL_YOURHOST = "002"
	RPL_CREATED  = "003"
	RPL_MYINFO   = "004"
	RPL_ISUPPORT = "005"

	RPL_ENDOFWHO = "315"

	RPL_LISTSTART     = "321"
	RPL_LIST          = "322"
	RPL_LISTEND       = "323"
	RPL_CHANNELMODEIS = "324"

	RPL_NOTOPIC = "331"
	RPL_TOPIC   = "332"

	RPL_WHOREPLY = "352"

	RPL_NAMREPLY   = "353"
	RPL_ENDOFNAMES = "366"

	RPL_MOTD       = "372"
	RPL_MOTDSTART  = "375"
	RPL_ENDOFMOTD  = "376"

	ERR_NOTREGISTERED   = "451"

	ERR_NOSUCHNICK      = "401"
	ERR_NOSUCHCHANNEL   = "403"
	ERR_CANNOTSENDTOCHAN = "404"
	ERR_UNKNOWNCOMMAND  = "421"
	ERR_NOMOTD          = "422"
	ERR_NICKNAMEINUSE   = "433"
	ERR_NOTONCHANNEL    = "442"
	ERR_NEEDMOREPARAMS  = "461"
	ERR_CHANOPRIVSNEEDED = "482"
	ERR_UMODEUNKNOWNFLAG = "501"
	ERR_USERSDONTMATCH  = "502"
)
