// Package config loads the Routing configuration of spec.md §3 from
// an INI file with environment variable overrides, adapted from the
// teacher's config/config.go (gopkg.in/ini.v1-based ProxyConfig
// loading) and generalized from a single primary/replica pair to an
// arbitrary named backend roster plus the full routing parameter set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"github.com/mevdschee/rwsplit/routetarget"
	"github.com/mevdschee/rwsplit/selector"
	"github.com/mevdschee/rwsplit/session"
)

// BackendConfig names one server in the backend roster. Primary is a
// configuration hint only: the monitor's published role is what the
// router actually trusts at runtime (spec.md §4.7).
type BackendConfig struct {
	Name    string
	Address string
	Primary bool
}

// Config is the top-level configuration: where to listen, which
// backends make up the roster, and the routing parameters applied to
// every session opened against them.
type Config struct {
	Listen   string
	Backends []BackendConfig
	Routing  RoutingConfig
}

// RoutingConfig mirrors spec.md §3's configuration parameter list.
type RoutingConfig struct {
	Criterion            string
	UseSQLVariablesIn    string
	MasterFailureMode    string
	MaxSescmdHistory     int
	DisableSescmdHistory bool
	RetryFailedReads     bool
	MasterAcceptReads    bool
	StrictMultiStmt      bool
	ConnectionKeepalive  time.Duration
}

// Load reads configuration from an INI file with environment variable
// overrides, following the teacher's [section]/key layout.
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	listen := cfg.Section("router").Key("listen").MustString(":4006")
	if v := os.Getenv("RWSPLIT_LISTEN"); v != "" {
		listen = v
	}

	c := &Config{
		Listen:   listen,
		Backends: loadBackends(cfg),
		Routing:  loadRouting(cfg.Section("routing")),
	}
	return c, nil
}

func loadBackends(cfg *ini.File) []BackendConfig {
	var backends []BackendConfig
	for i := 1; i <= 32; i++ {
		sec, err := cfg.GetSection("server" + strconv.Itoa(i))
		if err != nil {
			continue
		}
		name := sec.Key("name").MustString("server" + strconv.Itoa(i))
		address := sec.Key("address").String()
		if address == "" {
			continue
		}
		if v := os.Getenv("RWSPLIT_" + envSafe(name) + "_ADDRESS"); v != "" {
			address = v
		}
		backends = append(backends, BackendConfig{
			Name:    name,
			Address: address,
			Primary: sec.Key("primary").MustBool(false),
		})
	}
	return backends
}

func loadRouting(sec *ini.Section) RoutingConfig {
	keepaliveSeconds := sec.Key("connection_keepalive_seconds").MustInt(0)
	return RoutingConfig{
		Criterion:            sec.Key("criterion").MustString("least_current_operations"),
		UseSQLVariablesIn:    sec.Key("use_sql_variables_in").MustString("primary"),
		MasterFailureMode:    sec.Key("master_failure_mode").MustString("fail_instantly"),
		MaxSescmdHistory:     sec.Key("max_sescmd_history").MustInt(0),
		DisableSescmdHistory: sec.Key("disable_sescmd_history").MustBool(false),
		RetryFailedReads:     sec.Key("retry_failed_reads").MustBool(false),
		MasterAcceptReads:    sec.Key("master_accept_reads").MustBool(false),
		StrictMultiStmt:      sec.Key("strict_multi_stmt").MustBool(false),
		ConnectionKeepalive:  time.Duration(keepaliveSeconds) * time.Second,
	}
}

func envSafe(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// SessionConfig resolves the INI-level routing parameters into the
// typed session.Config the router actually consumes, failing loudly
// on an unrecognized enum value rather than silently defaulting.
func (r RoutingConfig) SessionConfig(stats selector.Stats) (session.Config, error) {
	criterion, err := resolveCriterion(r.Criterion, stats)
	if err != nil {
		return session.Config{}, err
	}
	useVarsIn, err := resolveUseSQLVariablesIn(r.UseSQLVariablesIn)
	if err != nil {
		return session.Config{}, err
	}
	failureMode, err := resolveMasterFailureMode(r.MasterFailureMode)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Criterion:            criterion,
		UseSQLVariablesIn:    useVarsIn,
		MasterFailureMode:    failureMode,
		MaxSescmdHistory:     r.MaxSescmdHistory,
		DisableSescmdHistory: r.DisableSescmdHistory,
		RetryFailedReads:     r.RetryFailedReads,
		MasterAcceptReads:    r.MasterAcceptReads,
		StrictMultiStmt:      r.StrictMultiStmt,
		ConnectionKeepalive:  r.ConnectionKeepalive,
	}, nil
}

func resolveCriterion(name string, stats selector.Stats) (selector.Criterion, error) {
	switch name {
	case "least_connections":
		return selector.LeastConnections(stats), nil
	case "least_behind_primary":
		return selector.LeastBehindPrimary(stats), nil
	case "least_current_operations":
		return selector.LeastCurrentOperations(stats), nil
	case "least_overall_routes":
		return selector.LeastOverallRoutes(stats), nil
	case "adaptive_latency":
		return selector.AdaptiveLatency(stats), nil
	default:
		return nil, fmt.Errorf("config: unknown selection criterion %q", name)
	}
}

func resolveUseSQLVariablesIn(name string) (routetarget.UseSQLVariablesIn, error) {
	switch name {
	case "primary", "":
		return routetarget.UseSQLVariablesInPrimary, nil
	case "all":
		return routetarget.UseSQLVariablesInAll, nil
	default:
		return 0, fmt.Errorf("config: unknown use_sql_variables_in %q", name)
	}
}

func resolveMasterFailureMode(name string) (session.MasterFailureMode, error) {
	switch name {
	case "fail_instantly", "":
		return session.FailInstantly, nil
	case "fail_on_write":
		return session.FailOnWrite, nil
	case "error_on_write":
		return session.ErrorOnWrite, nil
	default:
		return 0, fmt.Errorf("config: unknown master_failure_mode %q", name)
	}
}
