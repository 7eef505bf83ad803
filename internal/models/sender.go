package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type Sender struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	FromEmail string `json:"fromEmail"`

	Host     string `json:"host"`
	Port     int    `json:"port"`
	Secure   bool   `json:"secure"`
	Username string `json:"username"`
	Password string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
}

// Fingerprint identifies the transport settings of a sender. Cached
// connections are dropped when it changes.
func (s Sender) Fingerprint() string {
	sum := sha256.Sum256([]byte(s.Password))
	return fmt.Sprintf("%s:%d:%t:%s:%s", s.Host, s.Port, s.Secure, s.Username, hex.EncodeToString(sum[:8]))
}
