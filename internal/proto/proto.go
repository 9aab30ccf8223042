// Package proto implements the hub's pipe-delimited text protocol: message
// decoding into typed values, the encoders for every message this agent
// produces, and the lock/key handshake transform.
package proto

import (
	"fmt"
	"strconv"
	"strings"
)

// Delimiter terminates every message on the wire. It never occurs inside a
// message body, so the framer may scan for it byte-wise.
const Delimiter = '|'

// PeerChallenge is the lock this agent announces on peer connections.
const PeerChallenge = "EXTENDEDPROTOCOLABCABCABCABCABCABC Pk=DCPLUSPLUS0.706ABCABC"

// ListingName is the only file this agent ever requests from a peer.
const ListingName = "files.xml.bz2"

type ViolationError struct {
	Keyword string
	Reason  string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s: %s", e.Keyword, e.Reason)
}

func violation(keyword, reason string) error {
	return &ViolationError{Keyword: keyword, Reason: reason}
}

// Message is a decoded protocol message. Dispatch happens on the concrete
// type, never on raw keyword strings.
type Message interface {
	message()
}

// Lock carries a challenge; sent by hubs after connect and by peers after
// the nick exchange. The Pk suffix is part of the challenge bytes.
type Lock struct {
	Challenge string
}

type HubName struct {
	Name string
}

// ValidateDenide reports that the nick we asked for is taken.
type ValidateDenide struct{}

type Hello struct {
	Nick string
}

type NickList struct {
	Nicks []string
}

type MyNick struct {
	Nick string
}

type Supports struct {
	Extensions []string
}

type Direction struct {
	Mode  string
	Level int
}

// ADCSend announces Length raw bytes following directly in the stream.
type ADCSend struct {
	Kind   string
	Path   string
	Offset int64
	Length int64
}

type MaxedOut struct{}

type PeerError struct {
	Text string
}

// Unknown preserves messages this agent does not react to.
type Unknown struct {
	Keyword string
	Args    string
}

func (Lock) message()           {}
func (HubName) message()        {}
func (ValidateDenide) message() {}
func (Hello) message()          {}
func (NickList) message()       {}
func (MyNick) message()         {}
func (Supports) message()       {}
func (Direction) message()      {}
func (ADCSend) message()        {}
func (MaxedOut) message()       {}
func (PeerError) message()      {}
func (Unknown) message()        {}

func splitMessage(raw string) (string, string) {
	if i := strings.IndexByte(raw, ' '); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}

// Parse decodes one delimiter-stripped message into a typed value.
// Unrecognized keywords decode to Unknown; recognized keywords with a
// malformed argument shape fail with a ViolationError.
func Parse(raw string) (Message, error) {
	keyword, args := splitMessage(raw)
	switch keyword {
	case "$Lock":
		if args == "" {
			return nil, violation(keyword, "empty challenge")
		}
		return Lock{Challenge: args}, nil
	case "$HubName":
		return HubName{Name: args}, nil
	case "$ValidateDenide":
		return ValidateDenide{}, nil
	case "$Hello":
		if args == "" {
			return nil, violation(keyword, "missing nick")
		}
		return Hello{Nick: args}, nil
	case "$NickList":
		var nicks []string
		for _, n := range strings.Split(args, "$$") {
			if n != "" {
				nicks = append(nicks, n)
			}
		}
		return NickList{Nicks: nicks}, nil
	case "$MyNick":
		if args == "" {
			return nil, violation(keyword, "missing nick")
		}
		return MyNick{Nick: args}, nil
	case "$Supports":
		return Supports{Extensions: strings.Fields(args)}, nil
	case "$Direction":
		fields := strings.Fields(args)
		if len(fields) != 2 {
			return nil, violation(keyword, "want mode and level")
		}
		level, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, violation(keyword, "bad level "+strconv.Quote(fields[1]))
		}
		return Direction{Mode: fields[0], Level: level}, nil
	case "$ADCSND":
		fields := strings.Fields(args)
		if len(fields) != 4 {
			return nil, violation(keyword, "want kind, path, offset, length")
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, violation(keyword, "bad offset "+strconv.Quote(fields[2]))
		}
		length, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil || length < 0 {
			return nil, violation(keyword, "bad length "+strconv.Quote(fields[3]))
		}
		return ADCSend{Kind: fields[0], Path: fields[1], Offset: offset, Length: length}, nil
	case "$MaxedOut":
		return MaxedOut{}, nil
	case "$Error":
		return PeerError{Text: args}, nil
	}
	return Unknown{Keyword: keyword, Args: args}, nil
}

// Encoders. Each returns a complete wire message including the delimiter.

func EncodeValidateNick(nick string) string {
	return "$ValidateNick " + nick + "|"
}

func EncodeMyINFO(nick, description, speed, email string) string {
	return fmt.Sprintf("$MyINFO $ALL %s %s$ $%s $%s $ 0 $|", nick, description, speed, email)
}

func EncodeGetNickList() string {
	return "$GetNickList|"
}

func EncodeConnectToMe(nick, addr string) string {
	return fmt.Sprintf("$ConnectToMe %s %s|", nick, addr)
}

// EncodePeerGreeting is the three-message announcement sent on every
// accepted peer connection.
func EncodePeerGreeting(nick string) string {
	return fmt.Sprintf("$MyNick %s|$Lock %s|$Supports ADCGet XmlBZList|", nick, PeerChallenge)
}

// EncodeDirectionKey answers a peer's $Direction: counter-offer plus the
// derived key for its challenge.
func EncodeDirectionKey(level int, key string) string {
	return fmt.Sprintf("$Direction Download %d|$Key %s|", level, key)
}

// EncodeListingRequest asks for the whole listing file (length -1).
func EncodeListingRequest() string {
	return fmt.Sprintf("$ADCGET file %s 0 -1|", ListingName)
}

const unsafeNickChars = "/\\*?$ \t\r\n%&!@^()[]"

// SanitizeNick maps a nick to a filename-safe form. Unsafe characters
// become underscores and a leading dot is masked.
func SanitizeNick(nick string) string {
	out := []byte(nick)
	for i := 0; i < len(out); i++ {
		if strings.IndexByte(unsafeNickChars, out[i]) >= 0 {
			out[i] = '_'
		}
	}
	if len(out) > 0 && out[0] == '.' {
		out[0] = '_'
	}
	return string(out)
}
