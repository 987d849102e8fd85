package deliver

import (
	"fmt"
	"regexp"
	"strings"
)

// Channel selects the transport used for a recipient.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
)

var (
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	telegramPattern = regexp.MustCompile(`^(-?[0-9]+|@[A-Za-z][A-Za-z0-9_]{4,})$`)
)

// Recipient is a delivery destination.
type Recipient struct {
	Name    string  `json:"name"`
	Address string  `json:"address"`
	Channel Channel `json:"channel"`
	Enabled bool    `json:"enabled"`
}

// Validate checks the address syntax for the recipient's channel.
func (r Recipient) Validate() error {
	address := strings.TrimSpace(r.Address)
	switch r.channel() {
	case ChannelEmail:
		if !emailPattern.MatchString(address) {
			return fmt.Errorf("invalid email address: %q", r.Address)
		}
	case ChannelTelegram:
		if !telegramPattern.MatchString(address) {
			return fmt.Errorf("invalid telegram chat: %q", r.Address)
		}
	default:
		return fmt.Errorf("unknown channel: %q", r.Channel)
	}
	return nil
}

// channel defaults an empty channel to email.
func (r Recipient) channel() Channel {
	if r.Channel == "" {
		return ChannelEmail
	}
	return r.Channel
}

// Enabled returns the recipients that are switched on.
func Enabled(recipients []Recipient) []Recipient {
	out := make([]Recipient, 0, len(recipients))
	for _, r := range recipients {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}
