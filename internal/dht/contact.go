package dht

import (
	"net"
	"strconv"
	"time"
)

// Contact is a known peer: its key, username, reachable address and, once
// learned, its public key (base64 of a PEM block).
type Contact struct {
	ID        Key       `json:"id"`
	Username  string    `json:"username"`
	IP        string    `json:"ip"`
	Port      int       `json:"port"`
	PublicKey string    `json:"publicKey,omitempty"`
	LastSeen  time.Time `json:"-"`
}

// NewContact builds a contact whose ID is derived from username.
func NewContact(username, ip string, port int, publicKey string) Contact {
	return Contact{
		ID:        KeyFromUsername(username),
		Username:  username,
		IP:        ip,
		Port:      port,
		PublicKey: publicKey,
	}
}

// Addr returns the contact's host:port.
func (c Contact) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

// Valid reports whether the contact's ID matches its username and it has an
// address to dial.
func (c Contact) Valid() bool {
	return c.Username != "" && c.ID == KeyFromUsername(c.Username) && c.IP != "" && c.Port > 0
}
