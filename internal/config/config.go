package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/filecast/filecast/internal/hub"
	"github.com/filecast/filecast/internal/identity"
	"github.com/filecast/filecast/internal/origin"
	"github.com/filecast/filecast/internal/ratelimit"
	"github.com/filecast/filecast/internal/signaling"
)

const (
	envVarListenAddr      = "FILECAST_LISTEN_ADDR"
	envVarPublicBaseURL   = "FILECAST_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "FILECAST_ALLOWED_ORIGINS"
	envVarLogFormat       = "FILECAST_LOG_FORMAT"
	envVarLogLevel        = "FILECAST_LOG_LEVEL"
	envVarShutdownTimeout = "FILECAST_SHUTDOWN_TIMEOUT"
	envVarMode            = "FILECAST_MODE"

	// Device registry.
	envVarMaxDevices        = "FILECAST_MAX_DEVICES"
	envVarMaxNameLength     = "FILECAST_MAX_NAME_LENGTH"
	envVarDefaultDeviceName = "FILECAST_DEFAULT_DEVICE_NAME"

	// Rate limiting.
	envVarMessagesPerWindow     = "FILECAST_MESSAGES_PER_WINDOW"
	envVarRateWindow            = "FILECAST_RATE_WINDOW"
	envVarMaxConnectionsPerAddr = "FILECAST_MAX_CONNECTIONS_PER_ADDR"
	envVarRateSweepInterval     = "FILECAST_RATE_SWEEP_INTERVAL"
	envVarMaxFramesPerSecond    = "FILECAST_MAX_FRAMES_PER_SECOND"
	envVarTrustProxyHeaders     = "FILECAST_TRUST_PROXY_HEADERS"

	// Control channel keepalive and eviction.
	envVarInactivityTimeout        = "FILECAST_INACTIVITY_TIMEOUT"
	envVarInactivitySweepInterval  = "FILECAST_INACTIVITY_SWEEP_INTERVAL"
	envVarWSPingInterval           = "FILECAST_WS_PING_INTERVAL"
	envVarWSIdleTimeout            = "FILECAST_WS_IDLE_TIMEOUT"
	envVarMaxSignalingMessageBytes = "FILECAST_MAX_SIGNALING_MESSAGE_BYTES"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	MaxDevices        int
	MaxNameLength     int
	DefaultDeviceName string

	MessagesPerWindow     int
	RateWindow            time.Duration
	MaxConnectionsPerAddr int
	RateSweepInterval     time.Duration
	MaxFramesPerSecond    int
	// TrustProxyHeaders takes client addresses from X-Forwarded-For. Only
	// enable behind a proxy that overwrites the header.
	TrustProxyHeaders bool

	InactivityTimeout        time.Duration
	InactivitySweepInterval  time.Duration
	WSPingInterval           time.Duration
	WSIdleTimeout            time.Duration
	MaxSignalingMessageBytes int64

	// ICEServers is handed to browsers via GET /webrtc/ice.
	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. The hub still
// serves signaling in that case but reports not ready.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	defaultDeviceName := envOrDefault(lookup, envVarDefaultDeviceName, identity.DefaultName)
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envSTUNURLs, strings.Join(DefaultSTUNURLs, ","))
	turnURLs := envOrDefault(lookup, envTURNURLs, "")
	turnUsername := envOrDefault(lookup, envTURNUsername, "")
	turnCredential := envOrDefault(lookup, envTURNCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	maxDevices, err := envIntOrDefault(lookup, envVarMaxDevices, hub.DefaultMaxDevices)
	if err != nil {
		return Config{}, err
	}
	maxNameLength, err := envIntOrDefault(lookup, envVarMaxNameLength, identity.DefaultMaxNameLength)
	if err != nil {
		return Config{}, err
	}
	messagesPerWindow, err := envIntOrDefault(lookup, envVarMessagesPerWindow, ratelimit.DefaultMessagesPerWindow)
	if err != nil {
		return Config{}, err
	}
	rateWindow, err := envDurationOrDefault(lookup, envVarRateWindow, ratelimit.DefaultWindow)
	if err != nil {
		return Config{}, err
	}
	maxConnectionsPerAddr, err := envIntOrDefault(lookup, envVarMaxConnectionsPerAddr, ratelimit.DefaultMaxConnectionsPerAddr)
	if err != nil {
		return Config{}, err
	}
	rateSweepInterval, err := envDurationOrDefault(lookup, envVarRateSweepInterval, ratelimit.DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	maxFramesPerSecond, err := envIntOrDefault(lookup, envVarMaxFramesPerSecond, signaling.DefaultMaxFramesPerSecond)
	if err != nil {
		return Config{}, err
	}

	trustProxyHeaders := false
	if raw, ok := lookup(envVarTrustProxyHeaders); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTrustProxyHeaders, raw, err)
		}
		trustProxyHeaders = v
	}

	inactivityTimeout, err := envDurationOrDefault(lookup, envVarInactivityTimeout, signaling.DefaultInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	inactivitySweepInterval, err := envDurationOrDefault(lookup, envVarInactivitySweepInterval, signaling.DefaultInactivitySweepInterval)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, signaling.DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, signaling.DefaultIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := int64(signaling.DefaultMaxMessageBytes)
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	fs := flag.NewFlagSet("filecast-hub", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.IntVar(&maxDevices, "max-devices", maxDevices, "Maximum concurrently joined devices (env "+envVarMaxDevices+")")
	fs.IntVar(&maxNameLength, "max-name-length", maxNameLength, "Maximum device name length in characters (env "+envVarMaxNameLength+")")
	fs.StringVar(&defaultDeviceName, "default-device-name", defaultDeviceName, "Name used when a sanitized device name is empty (env "+envVarDefaultDeviceName+")")

	fs.IntVar(&messagesPerWindow, "messages-per-window", messagesPerWindow, "Control messages accepted per device per rate window (env "+envVarMessagesPerWindow+")")
	fs.DurationVar(&rateWindow, "rate-window", rateWindow, "Sliding rate limit window (env "+envVarRateWindow+")")
	fs.IntVar(&maxConnectionsPerAddr, "max-connections-per-addr", maxConnectionsPerAddr, "Maximum joined control channels per source address (env "+envVarMaxConnectionsPerAddr+")")
	fs.DurationVar(&rateSweepInterval, "rate-sweep-interval", rateSweepInterval, "How often idle rate limiter state is swept (env "+envVarRateSweepInterval+")")
	fs.IntVar(&maxFramesPerSecond, "max-frames-per-second", maxFramesPerSecond, "Max inbound control frames per second before the connection is closed (env "+envVarMaxFramesPerSecond+")")
	fs.BoolVar(&trustProxyHeaders, "trust-proxy-headers", trustProxyHeaders, "Take client addresses from X-Forwarded-For (env "+envVarTrustProxyHeaders+")")

	fs.DurationVar(&inactivityTimeout, "inactivity-timeout", inactivityTimeout, "Evict devices with no activity for this long (env "+envVarInactivityTimeout+")")
	fs.DurationVar(&inactivitySweepInterval, "inactivity-sweep-interval", inactivitySweepInterval, "How often inactive devices are evicted (env "+envVarInactivitySweepInterval+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Send ping frames at this interval (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close control channels idle for this long (env "+envVarWSIdleTimeout+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound control message size in bytes (env "+envVarMaxSignalingMessageBytes+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs ("+envSTUNURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs ("+envTURNURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTURNUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTURNCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	// --mode prod flips the log defaults unless they were chosen explicitly.
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if maxDevices <= 0 {
		return Config{}, fmt.Errorf("%s/--max-devices must be > 0", envVarMaxDevices)
	}
	if maxNameLength <= 0 {
		return Config{}, fmt.Errorf("%s/--max-name-length must be > 0", envVarMaxNameLength)
	}
	defaultDeviceName = strings.TrimSpace(defaultDeviceName)
	if defaultDeviceName == "" {
		return Config{}, fmt.Errorf("%s/--default-device-name must not be empty", envVarDefaultDeviceName)
	}
	if messagesPerWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--messages-per-window must be > 0", envVarMessagesPerWindow)
	}
	if rateWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--rate-window must be > 0", envVarRateWindow)
	}
	if maxConnectionsPerAddr <= 0 {
		return Config{}, fmt.Errorf("%s/--max-connections-per-addr must be > 0", envVarMaxConnectionsPerAddr)
	}
	if rateSweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--rate-sweep-interval must be > 0", envVarRateSweepInterval)
	}
	if maxFramesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-frames-per-second must be > 0", envVarMaxFramesPerSecond)
	}
	if inactivityTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--inactivity-timeout must be > 0", envVarInactivityTimeout)
	}
	if inactivitySweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--inactivity-sweep-interval must be > 0", envVarInactivitySweepInterval)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval (%s) must be < %s/--ws-idle-timeout (%s)", envVarWSPingInterval, wsPingInterval, envVarWSIdleTimeout, wsIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		MaxDevices:        maxDevices,
		MaxNameLength:     maxNameLength,
		DefaultDeviceName: defaultDeviceName,

		MessagesPerWindow:     messagesPerWindow,
		RateWindow:            rateWindow,
		MaxConnectionsPerAddr: maxConnectionsPerAddr,
		RateSweepInterval:     rateSweepInterval,
		MaxFramesPerSecond:    maxFramesPerSecond,
		TrustProxyHeaders:     trustProxyHeaders,

		InactivityTimeout:        inactivityTimeout,
		InactivitySweepInterval:  inactivitySweepInterval,
		WSPingInterval:           wsPingInterval,
		WSIdleTimeout:            wsIdleTimeout,
		MaxSignalingMessageBytes: maxSignalingMessageBytes,
	}

	iceServers, err := ICESettings{
		JSON:           iceServersJSON,
		STUNURLs:       stunURLs,
		TURNURLs:       turnURLs,
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
	}.Servers()
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}
