package database

import (
	"time"

	"github.com/rermius/connmgr/internal/hosts"
)

type Host struct {
	ID             string    `gorm:"primaryKey;size:255" json:"id"`
	Label          string    `gorm:"not null;default:''" json:"label"`
	Hostname       string    `gorm:"not null" json:"hostname"`
	Port           int       `gorm:"not null;default:0" json:"port"`
	Username       string    `gorm:"not null;default:''" json:"username"`
	AuthMethod     string    `gorm:"not null;default:agent" json:"auth_method"`
	KeyID          string    `gorm:"index;default:''" json:"key_id"`
	Password       string    `json:"-"`
	ProxyJump      []string  `gorm:"serializer:json;type:text" json:"proxy_jump"`
	ConnectionType string    `gorm:"not null;default:ssh" json:"connection_type"`
	SortOrder      int       `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Key struct {
	ID         string    `gorm:"primaryKey;size:255" json:"id"`
	Label      string    `gorm:"not null;default:''" json:"label"`
	PrivateKey []byte    `gorm:"not null" json:"-"`
	Passphrase string    `json:"-"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (h Host) ToConfig() hosts.HostConfig {
	return hosts.HostConfig{
		ID:             h.ID,
		Label:          h.Label,
		Hostname:       h.Hostname,
		Port:           h.Port,
		Username:       h.Username,
		AuthMethod:     hosts.AuthMethod(h.AuthMethod),
		KeyID:          h.KeyID,
		Password:       h.Password,
		ProxyJump:      append([]string(nil), h.ProxyJump...),
		ConnectionType: hosts.ConnectionType(h.ConnectionType),
	}
}

func HostFromConfig(c hosts.HostConfig) Host {
	return Host{
		ID:             c.ID,
		Label:          c.Label,
		Hostname:       c.Hostname,
		Port:           c.Port,
		Username:       c.Username,
		AuthMethod:     string(c.AuthMethod),
		KeyID:          c.KeyID,
		Password:       c.Password,
		ProxyJump:      append([]string(nil), c.ProxyJump...),
		ConnectionType: string(c.ConnectionType),
	}
}

func (k Key) ToKey() hosts.Key {
	return hosts.Key{
		ID:         k.ID,
		Label:      k.Label,
		PrivateKey: append([]byte(nil), k.PrivateKey...),
		Passphrase: k.Passphrase,
	}
}
