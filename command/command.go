// Package command decides how the bot answers a chat message: the built-in
// !joke command, one of the channel owner's custom commands, or nothing.
//
// Matching is a case-insensitive comparison against the whole message, so
// "!joke please" or "hey !joke" never trigger anything.
package command

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// JokeCommand is the built-in command that asks for a fresh joke.
const JokeCommand = "!joke"

// MaxResponseLength is Twitch's limit for a single chat message.
const MaxResponseLength = 500

// ErrInvalidCommand is wrapped by every validation failure returned from Set.Validate.
var ErrInvalidCommand = errors.New("invalid custom command")

// Kind says what the caller should do with a dispatched message.
type Kind int

const (
	// None means the message is not a command; nothing is sent.
	None Kind = iota
	// Joke means the caller should fetch a joke and send it.
	Joke
	// Reply means Result.Text is sent verbatim.
	Reply
)

func (k Kind) String() string {
	switch k {
	case Joke:
		return "joke"
	case Reply:
		return "custom"
	default:
		return "none"
	}
}

// Result is the outcome of Dispatch.
type Result struct {
	Kind Kind
	// Text is the literal response for Reply results.
	Text string
	// Name is the matched command without the leading "!".
	Name string
}

// Custom is one user-defined command. Name is stored without the "!" prefix.
type Custom struct {
	Name     string `json:"name"`
	Response string `json:"response"`
}

// Set is an ordered list of custom commands. Order is registration order and
// decides which command wins when matching.
type Set []Custom

// Clone returns a copy that shares nothing with s.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	copy(out, s)
	return out
}

// Validate reports every malformed command in s, joined into one error.
func (s Set) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(s))
	for i, c := range s {
		name := strings.ToLower(c.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%w: command %d has an empty name", ErrInvalidCommand, i+1))
			continue
		case strings.HasPrefix(name, "!"):
			errs = append(errs, fmt.Errorf("%w: %q must not start with '!'", ErrInvalidCommand, c.Name))
		case strings.IndexFunc(name, unicode.IsSpace) >= 0:
			errs = append(errs, fmt.Errorf("%w: %q contains whitespace", ErrInvalidCommand, c.Name))
		case "!"+name == JokeCommand:
			errs = append(errs, fmt.Errorf("%w: %q is reserved", ErrInvalidCommand, c.Name))
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%w: %q is defined more than once", ErrInvalidCommand, c.Name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(c.Response) == "" {
			errs = append(errs, fmt.Errorf("%w: %q has an empty response", ErrInvalidCommand, c.Name))
		} else if utf8.RuneCountInString(c.Response) > MaxResponseLength {
			errs = append(errs, fmt.Errorf("%w: %q response exceeds %d characters", ErrInvalidCommand, c.Name, MaxResponseLength))
		}
	}
	return errors.Join(errs...)
}

// Normalize prepares a chat message for comparison. Only the duplicate-filter
// tag is stripped; any other surrounding text, spaces included, still counts.
func Normalize(message string) string {
	// Some chat clients append " \U000E0000" to bypass Twitch's duplicate message filter.
	if trimmed, ok := strings.CutSuffix(message, "\U000E0000"); ok {
		message = strings.TrimSuffix(trimmed, " ")
	}
	return strings.ToLower(message)
}

// Dispatch maps message to a Result using the built-in command and cmds.
func Dispatch(message string, cmds Set) Result {
	msg := Normalize(message)
	if !strings.HasPrefix(msg, "!") {
		return Result{Kind: None}
	}
	if msg == JokeCommand {
		return Result{Kind: Joke, Name: strings.TrimPrefix(JokeCommand, "!")}
	}
	for _, c := range cmds {
		if msg == "!"+strings.ToLower(c.Name) {
			return Result{Kind: Reply, Text: c.Response, Name: c.Name}
		}
	}
	return Result{Kind: None}
}
