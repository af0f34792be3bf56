package types

import (
	"fmt"
	"math"
	"time"
)

type ProxyType string

const (
	ProxyHTTP   ProxyType = "http"
	ProxyHTTPS  ProxyType = "https"
	ProxySOCKS5 ProxyType = "socks5"
)

func (t ProxyType) Valid() bool {
	switch t {
	case ProxyHTTP, ProxyHTTPS, ProxySOCKS5:
		return true
	}
	return false
}

type ProxyStatus string

const (
	StatusActive   ProxyStatus = "active"
	StatusInactive ProxyStatus = "inactive"
	StatusChecking ProxyStatus = "checking"
)

type RotationMode string

const (
	RotationSequential RotationMode = "sequential"
	RotationRandom     RotationMode = "random"
	RotationLeastUsed  RotationMode = "least_used"
)

// ProxyDraft is a proxy record built client-side that the pool has not
// accepted yet. Empty Username/Password mean the field is absent.
type ProxyDraft struct {
	Address  string    `json:"address"`
	Port     int       `json:"port"`
	Type     ProxyType `json:"type"`
	Username string    `json:"username,omitempty"`
	Password string    `json:"password,omitempty"`
}

// Validate applies the single-add form rules. The bulk parser does not call it.
func (d ProxyDraft) Validate() error {
	if d.Address == "" {
		return fmt.Errorf("address is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", d.Port)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("unknown proxy type %q", d.Type)
	}
	return nil
}

// HostPort returns "address:port".
func (d ProxyDraft) HostPort() string {
	return fmt.Sprintf("%s:%d", d.Address, d.Port)
}

// Proxy is owned by the pool service and never mutated here.
type Proxy struct {
	ID           string      `json:"id"`
	Address      string      `json:"address"`
	Port         int         `json:"port"`
	Type         ProxyType   `json:"type"`
	Username     string      `json:"username,omitempty"`
	Password     string      `json:"password,omitempty"`
	Status       ProxyStatus `json:"status"`
	ResponseTime int64       `json:"response_time"` // milliseconds
	SuccessCount int64       `json:"success_count"`
	FailCount    int64       `json:"fail_count"`
	LastCheck    time.Time   `json:"last_check"`
	CreatedAt    time.Time   `json:"created_at"`
}

// PoolConfig is the rotation and health-check configuration singleton of the
// pool. It is always written back whole.
type PoolConfig struct {
	RotationMode    RotationMode `json:"rotation_mode"`
	HealthCheckURL  string       `json:"health_check_url"`
	CheckInterval   int          `json:"check_interval"` // seconds
	Timeout         int          `json:"timeout"`        // seconds
	MaxFailCount    int          `json:"max_fail_count"`
	EnableAuth      bool         `json:"enable_auth"`
	AuthUsername    string       `json:"auth_username"`
	AuthPassword    string       `json:"auth_password"`
	AutoRefresh     bool         `json:"auto_refresh"`
	RefreshInterval int          `json:"refresh_interval"` // seconds
}

func (c PoolConfig) Validate() error {
	switch c.RotationMode {
	case RotationSequential, RotationRandom, RotationLeastUsed:
	default:
		return fmt.Errorf("rotation_mode must be 'sequential', 'random' or 'least_used'")
	}
	if c.CheckInterval < 0 || c.Timeout < 0 || c.MaxFailCount < 0 || c.RefreshInterval < 0 {
		return fmt.Errorf("intervals and counts must not be negative")
	}
	return nil
}

type Stats struct {
	TotalProxies    int   `json:"total_proxies"`
	ActiveProxies   int   `json:"active_proxies"`
	TotalRequests   int64 `json:"total_requests"`
	SuccessRequests int64 `json:"success_requests"`
	FailedRequests  int64 `json:"failed_requests"`
}

// SuccessRate is the share of successful requests in percent, rounded to one
// decimal. It is 0 when no request has been served.
func (s Stats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	rate := float64(s.SuccessRequests) / float64(s.TotalRequests) * 100
	return math.Round(rate*10) / 10
}

type ProxyList struct {
	Proxies []Proxy `json:"proxies"`
	Total   int     `json:"total"`
}

type ImportRequest struct {
	Proxies []ProxyDraft `json:"proxies"`
}

// ImportResult is the pool's answer to a bulk import. Parsed is filled in
// locally with the number of drafts submitted.
type ImportResult struct {
	Message string `json:"message"`
	Added   int    `json:"added"`
	Parsed  int    `json:"parsed"`
}

type MutationResponse struct {
	Message string `json:"message"`
}

// View is one committed triple of canonical pool state.
type View struct {
	Proxies []Proxy     `json:"proxies"`
	Config  *PoolConfig `json:"config"`
	Stats   *Stats      `json:"stats"`
	Updated time.Time   `json:"updated"`
}
