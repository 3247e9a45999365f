package irc

// Numerics used by the bouncer core.
const (
	RPL_WELCOME         = "001"
	RPL_YOURHOST        = "002"
	RPL_CREATED         = "003"
	RPL_MYINFO          = "004"
	RPL_ISUPPORT        = "005"
	RPL_UMODEIS         = "221"
	RPL_STATSCONN       = "250"
	RPL_LUSERCLIENT     = "251"
	RPL_LUSEROP         = "252"
	RPL_LUSERUNKNOWN    = "253"
	RPL_LUSERCHANNELS   = "254"
	RPL_LUSERME         = "255"
	RPL_LOCALUSERS      = "265"
	RPL_GLOBALUSERS     = "266"
	RPL_AWAY            = "301"
	RPL_UNAWAY          = "305"
	RPL_NOWAWAY         = "306"
	RPL_CHANNELMODEIS   = "324"
	RPL_CREATIONTIME    = "329"
	RPL_NOTOPIC         = "331"
	RPL_TOPIC           = "332"
	RPL_TOPICWHOTIME    = "333"
	RPL_NAMREPLY        = "353"
	RPL_ENDOFNAMES      = "366"
	RPL_MOTD            = "372"
	RPL_MOTDSTART       = "375"
	RPL_ENDOFMOTD       = "376"
	ERR_NOMOTD          = "422"
	ERR_ERRONEUSNICK    = "432"
	ERR_NICKNAMEINUSE   = "433"
	ERR_UNAVAILRESOURCE = "437"
	ERR_PASSWDMISMATCH  = "464"
	ERR_INVALIDCAPCMD   = "410"
	ERR_CHANNELISFULL   = "471"
	ERR_INVITEONLYCHAN  = "473"
	ERR_BANNEDFROMCHAN  = "474"
	ERR_BADCHANNELKEY   = "475"
	RPL_LOGGEDIN        = "900"
	RPL_LOGGEDOUT       = "901"
	ERR_NICKLOCKED      = "902"
	RPL_SASLSUCCESS     = "903"
	ERR_SASLFAIL        = "904"
	ERR_SASLTOOLONG     = "905"
	ERR_SASLABORTED     = "906"
	ERR_SASLALREADY     = "907"
	RPL_SASLMECHS       = "908"
)

// Capability names.
const (
	CapAccountNotify   = "account-notify"
	CapAwayNotify      = "away-notify"
	CapBatch           = "batch"
	CapCapNotify       = "cap-notify"
	CapChghost         = "chghost"
	CapEchoMessage     = "echo-message"
	CapExtendedJoin    = "extended-join"
	CapInviteNotify    = "invite-notify"
	CapMessageTags     = "message-tags"
	CapMultiPrefix     = "multi-prefix"
	CapSASL            = "sasl"
	CapServerTime      = "server-time"
	CapUserhostInNames = "userhost-in-names"
	CapSelfMessage     = "znc.in/self-message"
)

// MaxSASLLength is the longest AUTHENTICATE payload chunk.
const MaxSASLLength = 400

// MaxLineLength is the wire limit for one line without tags.
const MaxLineLength = 512
