package model

import "time"

// ServerConfig is a named connection to one database server.
type ServerConfig struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	Name     string `json:"name" gorm:"size:100;uniqueIndex;not null"`
	Type     Family `json:"type" gorm:"size:50;not null"`
	Host     string `json:"host" gorm:"size:100;not null"`
	Port     int    `json:"port" gorm:"not null"`
	Database string `json:"database" gorm:"size:100;not null"`
	User     string `json:"user" gorm:"size:100;not null"`
	Password string `json:"-" gorm:"size:200;not null"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ServerConfig) TableName() string { return "server_config" }

// Connection is the resolved connection info adapters are built from.
type Connection struct {
	Name     string
	Family   Family
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Connection returns the connection attributes of s.
func (s *ServerConfig) Connection() Connection {
	return Connection{
		Name:     s.Name,
		Family:   s.Type,
		Host:     s.Host,
		Port:     s.Port,
		Database: s.Database,
		User:     s.User,
		Password: s.Password,
	}
}
