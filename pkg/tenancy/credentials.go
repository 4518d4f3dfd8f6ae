package tenancy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tenantgate/pkg/config"
)

// ConnParams is everything an Opener needs to reach one database
type ConnParams struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
	SSLMode  string

	MaxConns    int
	MinConns    int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// DSN returns a lib/pq connection URL
func (p ConnParams) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:   "/" + p.Database,
	}
	if p.Username != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		} else {
			u.User = url.User(p.Username)
		}
	}
	if p.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{p.SSLMode}}.Encode()
	}
	return u.String()
}

// String is DSN with the password redacted, safe for logs
func (p ConnParams) String() string {
	redacted := p
	if redacted.Password != "" {
		redacted.Password = "xxxxx"
	}
	return redacted.DSN()
}

// CredentialResolver builds connection parameters for the shared store, the
// admin store and each tenant store. Only the database name differs.
type CredentialResolver struct {
	cfg config.DatabaseConfig
}

// NewCredentialResolver creates a resolver over cfg
func NewCredentialResolver(cfg config.DatabaseConfig) *CredentialResolver {
	return &CredentialResolver{cfg: cfg}
}

// Shared returns parameters for the shared/auth database
func (r *CredentialResolver) Shared() ConnParams {
	return r.params(r.cfg.SharedName)
}

// Admin returns parameters for the bootstrap database used by CREATE DATABASE
func (r *CredentialResolver) Admin() ConnParams {
	p := r.params(r.cfg.AdminName)
	p.MaxConns = 1
	p.MinConns = 0
	return p
}

// Tenant returns parameters for the database of tenantID
func (r *CredentialResolver) Tenant(tenantID string) (ConnParams, error) {
	name, err := r.DatabaseName(tenantID)
	if err != nil {
		return ConnParams{}, err
	}
	return r.params(name), nil
}

// DatabaseName maps a tenant code to its database name through the configured
// template. The mapping is deterministic and case-insensitive.
func (r *CredentialResolver) DatabaseName(tenantID string) (string, error) {
	code := sanitizeTenantID(tenantID)
	if code == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return fmt.Sprintf(r.cfg.TenantTemplate, code), nil
}

func (r *CredentialResolver) params(database string) ConnParams {
	return ConnParams{
		Host:        r.cfg.Host,
		Port:        r.cfg.Port,
		Username:    r.cfg.Username,
		Password:    r.cfg.Password,
		Database:    database,
		SSLMode:     r.cfg.SSLMode,
		MaxConns:    r.cfg.MaxConns,
		MinConns:    r.cfg.MinConns,
		MaxLifetime: r.cfg.MaxLifetime,
		MaxIdleTime: r.cfg.MaxIdleTime,
	}
}

// sanitizeTenantID lower-cases the code and replaces every character outside
// [a-z0-9_] with an underscore.
func sanitizeTenantID(tenantID string) string {
	code := strings.ToLower(strings.TrimSpace(tenantID))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, code)
}
