package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandContext holds variables available for expansion.
type ExpandContext struct {
	Here       string // directory of the config file
	ConfigPath string // daemon.config_path after its own expansion
}

// ExpandVariables expands template variables and environment references
// in path-like and command fields of a config, given the config file path.
func ExpandVariables(cfg *Config, configPath string) error {
	ctx := ExpandContext{
		Here: filepath.Dir(configPath),
	}

	var err error
	cfg.Daemon.ConfigPath, err = expandString(cfg.Daemon.ConfigPath, ctx)
	if err != nil {
		return fmt.Errorf("daemon.config_path: %w", err)
	}
	ctx.ConfigPath = cfg.Daemon.ConfigPath

	fields := []struct {
		name string
		ptr  *string
	}{
		{"log.file", &cfg.Log.File},
		{"server.unix_socket", &cfg.Server.UnixSocket},
		{"server.static_dir", &cfg.Server.StaticDir},
		{"server.pidfile", &cfg.Server.PIDFile},
		{"daemon.command", &cfg.Daemon.Command},
		{"daemon.binary", &cfg.Daemon.Binary},
		{"daemon.container.socket", &cfg.Daemon.Container.Socket},
		{"daemon.container.log_file", &cfg.Daemon.Container.LogFile},
		{"store.path", &cfg.Store.Path},
		{"logs.file", &cfg.Logs.File},
		{"advisor.base_url", &cfg.Advisor.BaseURL},
		{"audit.file", &cfg.Audit.File},
	}
	for _, f := range fields {
		*f.ptr, err = expandString(*f.ptr, ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}

	for name, w := range cfg.Webhooks {
		w.URL, err = expandString(w.URL, ctx)
		if err != nil {
			return fmt.Errorf("webhooks.%s.url: %w", name, err)
		}
		w.RoutingKey, err = expandString(w.RoutingKey, ctx)
		if err != nil {
			return fmt.Errorf("webhooks.%s.routing_key: %w", name, err)
		}
		for k, v := range w.Headers {
			expanded, err := expandString(v, ctx)
			if err != nil {
				return fmt.Errorf("webhooks.%s.headers.%s: %w", name, k, err)
			}
			w.Headers[k] = expanded
		}
		cfg.Webhooks[name] = w
	}

	return nil
}

// expandString expands all template variables and env references in a single string.
func expandString(s string, ctx ExpandContext) (string, error) {
	if s == "" {
		return s, nil
	}

	// Phase 1: Expand %(variable)s patterns.
	result, err := expandTemplateVars(s, ctx)
	if err != nil {
		return "", err
	}

	// Phase 2: Expand ${ENV_VAR} references.
	result, err = expandEnvVars(result)
	if err != nil {
		return "", err
	}

	// Phase 3: Unescape %% -> % and $$ -> $.
	result = strings.ReplaceAll(result, "%%", "%")
	result = strings.ReplaceAll(result, "$$", "$")

	return result, nil
}

func expandTemplateVars(s string, ctx ExpandContext) (string, error) {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '%' && s[i+1] == '%' {
			result.WriteString("%%")
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '%' && s[i+1] == '(' {
			end := strings.Index(s[i:], ")s")
			if end < 0 {
				return "", fmt.Errorf("unclosed template variable at position %d in %q", i, s)
			}
			val, err := resolveTemplateVar(s[i+2:i+end], ctx)
			if err != nil {
				return "", err
			}
			result.WriteString(val)
			i += end + 2
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}

func resolveTemplateVar(name string, ctx ExpandContext) (string, error) {
	switch name {
	case "here":
		return ctx.Here, nil
	case "config_path":
		if ctx.ConfigPath == "" {
			return "", fmt.Errorf("%%(config_path)s is not available here")
		}
		return ctx.ConfigPath, nil
	default:
		return "", fmt.Errorf("unknown template variable: %%(%s)s", name)
	}
}

func expandEnvVars(s string) (string, error) {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '$' && s[i+1] == '$' {
			result.WriteString("$$")
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '$' && s[i+1] == '{' {
			end := strings.Index(s[i:], "}")
			if end < 0 {
				return "", fmt.Errorf("unclosed environment variable reference at position %d in %q", i, s)
			}

			varName := s[i+2 : i+end]
			val, ok := os.LookupEnv(varName)
			if !ok {
				return "", fmt.Errorf("undefined environment variable: ${%s}", varName)
			}
			result.WriteString(val)
			i += end + 1
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}
