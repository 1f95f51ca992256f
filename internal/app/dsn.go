package app

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/churnguard/tenant-governor/internal/db"
)

// dsnInfo is a DSN with its credentials stripped, safe to log.
type dsnInfo struct {
	Type        string
	Host        string
	Port        int
	User        string
	Name        string
	SSLMode     string
	Path        string
	PasswordSet bool
}

func (d dsnInfo) String() string {
	if d.Type == "sqlite" {
		return "sqlite:" + d.Path
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=%s", d.User, d.Host, d.Port, d.Name, d.SSLMode)
}

func parseDSN(dsn string) (dsnInfo, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return dsnInfo{}, fmt.Errorf("empty dsn")
	}

	if !db.IsPostgresDSN(trimmed) {
		pathPart := trimmed
		if strings.HasPrefix(strings.ToLower(pathPart), "file:") {
			pathPart = pathPart[len("file:"):]
		}
		pathPart, _, _ = strings.Cut(pathPart, "?")
		return dsnInfo{Type: "sqlite", Path: strings.TrimSpace(pathPart)}, nil
	}

	u, errParse := url.Parse(trimmed)
	if errParse != nil || u.Scheme == "" {
		return dsnInfo{}, fmt.Errorf("parse dsn: unsupported form")
	}

	port := 5432
	if rawPort := strings.TrimSpace(u.Port()); rawPort != "" {
		parsedPort, errPort := strconv.Atoi(rawPort)
		if errPort != nil {
			return dsnInfo{}, fmt.Errorf("parse port: %w", errPort)
		}
		port = parsedPort
	}

	username := ""
	passwordSet := false
	if u.User != nil {
		username = strings.TrimSpace(u.User.Username())
		_, passwordSet = u.User.Password()
	}
	sslMode := strings.TrimSpace(u.Query().Get("sslmode"))
	if sslMode == "" {
		sslMode = "disable"
	}

	return dsnInfo{
		Type:        "postgres",
		Host:        strings.TrimSpace(u.Hostname()),
		Port:        port,
		User:        username,
		Name:        strings.TrimSpace(strings.TrimPrefix(u.Path, "/")),
		SSLMode:     sslMode,
		PasswordSet: passwordSet,
	}, nil
}

// describeDSN renders dsn for logs without its password.
func describeDSN(dsn string) string {
	info, err := parseDSN(dsn)
	if err != nil {
		return "unparsed"
	}
	return info.String()
}
