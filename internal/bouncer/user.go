package bouncer

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dalnet/rbounce/internal/buffer"
	"github.com/dalnet/rbounce/internal/config"
)

// User is one bouncer account and its networks.
type User struct {
	b        *Bouncer
	cfg      *config.User
	name     string
	logger   *slog.Logger
	hooks    Hooks
	networks []*Network
	// clients holds every logged-in client, whichever network it is on.
	clients  []*Client
	location *time.Location
}

func newUser(b *Bouncer, cfg *config.User) (*User, error) {
	u := &User{
		b:        b,
		cfg:      cfg,
		name:     cfg.Name,
		logger:   b.logger.With("user", cfg.Name),
		location: time.Local,
	}
	for i := range cfg.Networks {
		n, err := newNetwork(u, &cfg.Networks[i])
		if err != nil {
			return nil, err
		}
		u.networks = append(u.networks, n)
	}
	return u, nil
}

func (u *User) Name() string             { return u.name }
func (u *User) Networks() []*Network     { return u.networks }
func (u *User) Clients() []*Client       { return u.clients }
func (u *User) Hooks() *Hooks            { return &u.hooks }
func (u *User) Config() *config.User     { return u.cfg }
func (u *User) Location() *time.Location { return u.location }

// FindNetwork looks a network up case-insensitively.
func (u *User) FindNetwork(name string) *Network {
	for _, n := range u.networks {
		if strings.EqualFold(n.name, name) {
			return n
		}
	}
	return nil
}

// Network is FindNetwork with an error for unknown names.
func (u *User) Network(name string) (*Network, error) {
	if n := u.FindNetwork(name); n != nil {
		return n, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
}

// defaultNetwork picks the network for a client that did not ask for
// one: "default", then "user", then the first configured.
func (u *User) defaultNetwork() *Network {
	for _, name := range []string{"default", "user"} {
		if n := u.FindNetwork(name); n != nil {
			return n
		}
	}
	if len(u.networks) > 0 {
		return u.networks[0]
	}
	return nil
}

func (u *User) addClient(c *Client) {
	u.clients = append(u.clients, c)
}

func (u *User) removeClient(c *Client) {
	for i, other := range u.clients {
		if other == c {
			u.clients = append(u.clients[:i], u.clients[i+1:]...)
			return
		}
	}
}

// recipient returns the rendering settings shared by every client of
// the user.
func (u *User) recipient(nick string, serverTime bool) buffer.Recipient {
	return buffer.Recipient{
		Nick:            nick,
		ServerTime:      serverTime,
		TimestampFormat: u.cfg.TimestampFormat,
		Location:        u.location,
	}
}
