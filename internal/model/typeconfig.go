package model

import (
	"encoding/json"
	"fmt"
)

// WebOptions configures web and keyword probes.
type WebOptions struct {
	Method          string            `json:"method,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	ExpectedStatus  int               `json:"expected_status,omitempty"`
	FollowRedirects bool              `json:"follow_redirects,omitempty"`
	TLSVerify       *bool             `json:"tls_verify,omitempty"`
	// ExpectedBodySubstring is consulted only by keyword probes.
	ExpectedBodySubstring string `json:"expected_body_substring,omitempty"`
}

// VerifyTLS resolves the tls_verify default (true when unset).
func (o *WebOptions) VerifyTLS() bool {
	if o == nil || o.TLSVerify == nil {
		return true
	}
	return *o.TLSVerify
}

// TCPOptions configures tcp probes. Port probes are connection-only and
// ignore the send/expect fields.
type TCPOptions struct {
	ProbeBytes     string `json:"probe_bytes,omitempty"`
	ExpectedPrefix string `json:"expected_prefix,omitempty"`
}

// PingOptions configures ICMP probes.
type PingOptions struct {
	Count      int `json:"count,omitempty"`       // default 4
	PacketSize int `json:"packet_size,omitempty"` // default 32 bytes
}

// HeartbeatOptions configures passive heartbeat services.
type HeartbeatOptions struct {
	ExpectedIntervalSeconds int `json:"expected_interval_seconds"`
	GraceSeconds            int `json:"grace_seconds"`
}

// GithubOptions configures GitHub repository probes.
type GithubOptions struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	Token string `json:"token,omitempty"`
}

// UptimeAPIOptions configures generic JSON uptime-API probes.
// Predicate is a dot-path expression such as "status == ok" or
// "checks.db.healthy exists".
type UptimeAPIOptions struct {
	Predicate string `json:"predicate"`
}

// TypeConfig is the per-service-type option union. Exactly the group matching
// Service.Type is populated; DecodeTypeConfig enforces this from raw JSON.
type TypeConfig struct {
	Web       *WebOptions       `json:"web,omitempty"`
	TCP       *TCPOptions       `json:"tcp,omitempty"`
	Ping      *PingOptions      `json:"ping,omitempty"`
	Heartbeat *HeartbeatOptions `json:"heartbeat,omitempty"`
	Github    *GithubOptions    `json:"github,omitempty"`
	UptimeAPI *UptimeAPIOptions `json:"uptime_api,omitempty"`
}

// DecodeTypeConfig parses the raw per-type options for a service of type t.
// An empty raw payload yields a zero config with defaults applied downstream.
func DecodeTypeConfig(t ServiceType, raw json.RawMessage) (TypeConfig, error) {
	var cfg TypeConfig
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	switch t {
	case ServiceTypeWeb, ServiceTypeKeyword:
		opts := &WebOptions{}
		if err := json.Unmarshal(raw, opts); err != nil {
			return cfg, fmt.Errorf("type_config for %s: %w", t, err)
		}
		if t == ServiceTypeKeyword && opts.ExpectedBodySubstring == "" {
			return cfg, fmt.Errorf("type_config for %s: expected_body_substring is required", t)
		}
		cfg.Web = opts
	case ServiceTypeTCP, ServiceTypePort:
		opts := &TCPOptions{}
		if err := json.Unmarshal(raw, opts); err != nil {
			return cfg, fmt.Errorf("type_config for %s: %w", t, err)
		}
		cfg.TCP = opts
	case ServiceTypePing:
		opts := &PingOptions{}
		if err := json.Unmarshal(raw, opts); err != nil {
			return cfg, fmt.Errorf("type_config for %s: %w", t, err)
		}
		cfg.Ping = opts
	case ServiceTypeHeartbeat:
		opts := &HeartbeatOptions{}
		if err := json.Unmarshal(raw, opts); err != nil {
			return cfg, fmt.Errorf("type_config for %s: %w", t, err)
		}
		if opts.ExpectedIntervalSeconds <= 0 {
			return cfg, fmt.Errorf("type_config for %s: expected_interval_seconds must be positive", t)
		}
		cfg.Heartbeat = opts
	case ServiceTypeGithub:
		opts := &GithubOptions{}
		if err := json.Unmarshal(raw, opts); err != nil {
			return cfg, fmt.Errorf("type_config for %s: %w", t, err)
		}
		if opts.Owner == "" || opts.Repo == "" {
			return cfg, fmt.Errorf("type_config for %s: owner and repo are required", t)
		}
		cfg.Github = opts
	case ServiceTypeUptimeAPI:
		opts := &UptimeAPIOptions{}
		if err := json.Unmarshal(raw, opts); err != nil {
			return cfg, fmt.Errorf("type_config for %s: %w", t, err)
		}
		if opts.Predicate == "" {
			return cfg, fmt.Errorf("type_config for %s: predicate is required", t)
		}
		cfg.UptimeAPI = opts
	default:
		return cfg, fmt.Errorf("type_config: unknown service type %q", t)
	}
	return cfg, nil
}

// ValidateService checks the cross-field invariants of a service definition.
func ValidateService(s *Service) error {
	if !ValidServiceType(s.Type) {
		return fmt.Errorf("service %s: unknown type %q", s.ID, s.Type)
	}
	if s.IntervalSeconds < 30 || s.IntervalSeconds > 3600 {
		return fmt.Errorf("service %s: interval_seconds %d outside [30,3600]", s.ID, s.IntervalSeconds)
	}
	if s.TimeoutMs <= 0 || s.TimeoutMs > 30000 {
		return fmt.Errorf("service %s: timeout_ms %d outside (0,30000]", s.ID, s.TimeoutMs)
	}
	if s.TimeoutMs > s.IntervalSeconds*1000 {
		return fmt.Errorf("service %s: timeout %dms exceeds interval %ds", s.ID, s.TimeoutMs, s.IntervalSeconds)
	}
	return nil
}
