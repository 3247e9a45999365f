// Package irc is the wire model shared by the upstream and downstream
// sides of the bouncer.
//
// ParseMessage and (*Message).Format convert between wire lines and
// Message values. Parsing never fails, and the colon on a trailing
// parameter is remembered so that re-serializing a parsed line yields
// the same line.
//
// Every Message has a Type derived from its command and first two
// parameters. The As* methods return typed views (JoinMessage,
// ModeMessage, ...) that are pointer conversions of the same Message
// and hold no state of their own.
//
// Nick carries a participant's mask and the permission characters it
// holds in one channel.
package irc
