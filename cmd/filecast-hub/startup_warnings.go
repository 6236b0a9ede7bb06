package main

import (
	"log/slog"

	"github.com/filecast/filecast/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: FILECAST_ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.TrustProxyHeaders {
		logger.Warn("startup security warning: FILECAST_TRUST_PROXY_HEADERS=true takes client addresses from X-Forwarded-For (spoofable unless a proxy overwrites it)",
			"warning_code", "trust_proxy_headers",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: FILECAST_ALLOWED_ORIGINS is empty while --mode=prod (only same-host browser origins are accepted)",
			"warning_code", "allowed_origins_same_host_only",
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz will report not ready",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
