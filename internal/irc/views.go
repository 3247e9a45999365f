package irc

import (
	"strconv"
	"strings"
)

// The view types below share Message's memory layout. Converting a
// *Message to a view is a pointer conversion; views carry no fields of
// their own.

type (
	TargetMessage  Message
	TextMessage    Message
	NoticeMessage  Message
	ActionMessage  Message
	CTCPMessage    Message
	JoinMessage    Message
	PartMessage    Message
	KickMessage    Message
	ModeMessage    Message
	NickMessage    Message
	QuitMessage    Message
	TopicMessage   Message
	NumericMessage Message
	InviteMessage  Message
	AccountMessage Message
	AwayMessage    Message
)

func (m *Message) AsTarget() *TargetMessage   { return (*TargetMessage)(m) }
func (m *Message) AsText() *TextMessage       { return (*TextMessage)(m) }
func (m *Message) AsNotice() *NoticeMessage   { return (*NoticeMessage)(m) }
func (m *Message) AsAction() *ActionMessage   { return (*ActionMessage)(m) }
func (m *Message) AsCTCP() *CTCPMessage       { return (*CTCPMessage)(m) }
func (m *Message) AsJoin() *JoinMessage       { return (*JoinMessage)(m) }
func (m *Message) AsPart() *PartMessage       { return (*PartMessage)(m) }
func (m *Message) AsKick() *KickMessage       { return (*KickMessage)(m) }
func (m *Message) AsMode() *ModeMessage       { return (*ModeMessage)(m) }
func (m *Message) AsNick() *NickMessage       { return (*NickMessage)(m) }
func (m *Message) AsQuit() *QuitMessage       { return (*QuitMessage)(m) }
func (m *Message) AsTopic() *TopicMessage     { return (*TopicMessage)(m) }
func (m *Message) AsNumeric() *NumericMessage { return (*NumericMessage)(m) }
func (m *Message) AsInvite() *InviteMessage   { return (*InviteMessage)(m) }
func (m *Message) AsAccount() *AccountMessage { return (*AccountMessage)(m) }
func (m *Message) AsAway() *AwayMessage       { return (*AwayMessage)(m) }

func (v *TargetMessage) Target() string      { return (*Message)(v).Param(0) }
func (v *TargetMessage) SetTarget(t string)  { (*Message)(v).SetParam(0, t) }
func (v *TextMessage) Target() string        { return (*Message)(v).Param(0) }
func (v *TextMessage) Text() string          { return (*Message)(v).Param(1) }
func (v *TextMessage) SetText(text string)   { (*Message)(v).SetParam(1, text) }
func (v *NoticeMessage) Target() string      { return (*Message)(v).Param(0) }
func (v *NoticeMessage) Text() string        { return (*Message)(v).Param(1) }
func (v *NoticeMessage) SetText(text string) { (*Message)(v).SetParam(1, text) }
func (v *JoinMessage) Target() string        { return (*Message)(v).Param(0) }
func (v *JoinMessage) Key() string           { return (*Message)(v).Param(1) }
func (v *JoinMessage) SetKey(key string)     { (*Message)(v).SetParam(1, key) }
func (v *PartMessage) Target() string        { return (*Message)(v).Param(0) }
func (v *PartMessage) Reason() string        { return (*Message)(v).Param(1) }
func (v *KickMessage) Target() string        { return (*Message)(v).Param(0) }
func (v *KickMessage) KickedNick() string    { return (*Message)(v).Param(1) }
func (v *KickMessage) Reason() string        { return (*Message)(v).Param(2) }
func (v *ModeMessage) Target() string        { return (*Message)(v).Param(0) }
func (v *NickMessage) OldNick() string       { return v.Source.Name }
func (v *NickMessage) NewNick() string       { return (*Message)(v).Param(0) }
func (v *QuitMessage) Reason() string        { return (*Message)(v).Param(0) }
func (v *TopicMessage) Target() string       { return (*Message)(v).Param(0) }
func (v *TopicMessage) Topic() string        { return (*Message)(v).Param(1) }
func (v *TopicMessage) SetTopic(t string)    { (*Message)(v).SetParam(1, t) }
func (v *InviteMessage) InvitedNick() string { return (*Message)(v).Param(0) }
func (v *InviteMessage) Channel() string     { return (*Message)(v).Param(1) }
func (v *AccountMessage) Account() string    { return (*Message)(v).Param(0) }
func (v *AwayMessage) Reason() string        { return (*Message)(v).Param(0) }
func (v *AwayMessage) IsAway() bool          { return (*Message)(v).Param(0) != "" }
func (v *AccountMessage) LoggedOut() bool    { return (*Message)(v).Param(0) == "*" }
func (v *ActionMessage) Target() string      { return (*Message)(v).Param(0) }
func (v *CTCPMessage) Target() string        { return (*Message)(v).Param(0) }

// Modes returns the mode string and its arguments joined by spaces.
func (v *ModeMessage) Modes() string {
	params := (*Message)(v).Params()
	if len(params) < 2 {
		return ""
	}
	return strings.Join(params[1:], " ")
}

// Text returns the action text without the CTCP framing.
func (v *ActionMessage) Text() string {
	text := (*Message)(v).Param(1)
	text = strings.TrimPrefix(text, "\x01ACTION ")
	return strings.TrimSuffix(text, "\x01")
}

// SetText replaces the action text, keeping the CTCP framing.
func (v *ActionMessage) SetText(text string) {
	(*Message)(v).SetParam(1, "\x01ACTION "+text+"\x01")
}

// Text returns the CTCP payload without the delimiters.
func (v *CTCPMessage) Text() string {
	text := (*Message)(v).Param(1)
	text = strings.TrimPrefix(text, "\x01")
	return strings.TrimSuffix(text, "\x01")
}

// IsReply reports whether the CTCP travels in a NOTICE.
func (v *CTCPMessage) IsReply() bool {
	return strings.EqualFold((*Message)(v).Command(), "NOTICE")
}

// Code returns the numeric as an integer, or 0 if not numeric.
func (v *NumericMessage) Code() int {
	n, err := strconv.Atoi((*Message)(v).Command())
	if err != nil {
		return 0
	}
	return n
}
