package bot

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/onnwee/gigglebyte/command"
)

// Joke frequency bounds in minutes.
const (
	MinJokeFrequency = 1
	MaxJokeFrequency = 60
)

var (
	// ErrInvalidConfig is wrapped by every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid bot configuration")
	// ErrSessionStopped is returned when starting a session that was already stopped.
	ErrSessionStopped = errors.New("session stopped")
	// ErrAlreadyStarted is returned when Start is called twice on one session.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrRegistryClosed is returned by StartOrRestart after Shutdown.
	ErrRegistryClosed = errors.New("registry closed")
)

var channelPattern = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)

// Tenant identifies the channel owner a session runs for.
type Tenant struct {
	// ID is the owner's Twitch user id.
	ID string
	// Channel is the owner's login, which is also the chat room name.
	Channel string
}

// Config is the immutable snapshot a session runs with. Changing any of it
// means restarting the session with a new Config.
type Config struct {
	Token         string
	Channel       string
	JokeFrequency int // minutes
	Categories    []string
	Commands      command.Set
	// Welcome is sent after the first successful connect of a session; empty disables it.
	Welcome string
}

// NormalizeChannel lower-cases a channel name and drops a leading '#'.
func NormalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

// normalized returns a deep copy with the channel and categories tidied.
func (c Config) normalized() Config {
	out := c
	out.Token = strings.TrimSpace(c.Token)
	out.Channel = NormalizeChannel(c.Channel)
	if c.Categories != nil {
		out.Categories = make([]string, len(c.Categories))
		for i, cat := range c.Categories {
			out.Categories[i] = strings.TrimSpace(cat)
		}
	}
	out.Commands = c.Commands.Clone()
	return out
}

// Validate reports every problem with c, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if ch := NormalizeChannel(c.Channel); ch == "" {
		errs = append(errs, errors.New("channel is required"))
	} else if !channelPattern.MatchString(ch) {
		errs = append(errs, fmt.Errorf("channel %q is not a valid Twitch login", c.Channel))
	}
	if c.JokeFrequency < MinJokeFrequency || c.JokeFrequency > MaxJokeFrequency {
		errs = append(errs, fmt.Errorf("joke frequency %d is outside %d-%d minutes", c.JokeFrequency, MinJokeFrequency, MaxJokeFrequency))
	}
	if len(c.Categories) == 0 {
		errs = append(errs, errors.New("at least one joke category is required"))
	}
	seen := make(map[string]struct{}, len(c.Categories))
	for _, cat := range c.Categories {
		key := strings.ToLower(strings.TrimSpace(cat))
		if key == "" {
			errs = append(errs, errors.New("joke category must not be empty"))
			continue
		}
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("joke category %q is listed more than once", cat))
		}
		seen[key] = struct{}{}
	}
	if err := c.Commands.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (c Config) validateFor(t Tenant) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidConfig)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if t.Channel != "" && NormalizeChannel(t.Channel) != NormalizeChannel(c.Channel) {
		return fmt.Errorf("%w: channel %q does not belong to tenant %s", ErrInvalidConfig, c.Channel, t.ID)
	}
	return nil
}
