package model

import (
	"net"
	"strconv"
	"time"
)

// Destination: параметры FTP-назначения компании.
// Хранится в таблице destinations, одна запись на tenant.
type Destination struct {
	TenantID string
	Host     string
	Port     int
	Username string
	// Secret: пароль FTP в открытом виде (шифрование, на уровне сервиса)
	Secret   string
	BasePath string
	// UseTLS: FTPS (explicit TLS) вместо открытого FTP
	UseTLS    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Address возвращает host:port для FTP control-соединения.
func (d *Destination) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}
