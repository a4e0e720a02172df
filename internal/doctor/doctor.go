// Package doctor runs preflight diagnostics: config, storage, key material
// and the network paths a session depends on. It never mutates state beyond
// a throwaway write probe in the home directory.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/basket/reflectchat/internal/config"
	"github.com/basket/reflectchat/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkAPIKey,
		checkPersona,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	dbPath := fmt.Sprintf("%s/reflectchat.db", cfg.HomeDir)
	st, err := store.Open(dbPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer st.Close()

	infos, err := st.ListSessions(ctx, 1)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	detail := "no sessions yet"
	if len(infos) > 0 {
		detail = fmt.Sprintf("latest session updated %s", infos[0].UpdatedAt.Format(time.RFC3339))
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: detail}
}

// checkAPIKey only matters on the gateway host; participant clients never
// hold the upstream key.
func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.UpstreamAPIKey() != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("%s is set", cfg.Upstream.APIKeyEnv)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (required on the gateway host)", cfg.Upstream.APIKeyEnv),
		Detail:  "Participant machines can ignore this when pointing at a remote gateway",
	}
}

func checkPersona(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Persona", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Persona == "" {
		return CheckResult{
			Name:    "Persona",
			Status:  "WARN",
			Message: "PERSONA.md is empty or missing",
			Detail:  config.PersonaPath(cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Persona", Status: "PASS", Message: fmt.Sprintf("Persona loaded (%d chars)", len(cfg.Persona))}
}

// checkNetwork resolves the hosts a running session talks to: the chat
// proxy, the event collector and, on the gateway side, the upstream API.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	hosts := make(map[string]bool)
	for _, raw := range []string{cfg.ProxyURL, cfg.CollectorURL, cfg.Upstream.BaseURL} {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			hosts[u.Hostname()] = true
		}
	}
	if len(hosts) == 0 {
		return CheckResult{Name: "Network", Status: "FAIL", Message: "No resolvable endpoints configured"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var failed []string
	resolved := 0
	for host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			resolved++
			continue
		}
		if _, err := net.DefaultResolver.LookupHost(lookupCtx, host); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", host, err))
			continue
		}
		resolved++
	}

	if len(failed) > 0 {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d hosts unresolvable", len(failed), len(hosts)),
			Detail:  fmt.Sprintf("%v", failed),
		}
	}
	return CheckResult{Name: "Network", Status: "PASS", Message: fmt.Sprintf("Resolved %d endpoint hosts", resolved)}
}
