// Package config handles configuration loading for the glasses gateway client.
//
// # Overview
//
// Configuration is loaded from a YAML (or TOML) file with environment variable
// expansion, layered over built-in defaults. A missing file is not an error.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from GLASSES_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/openclaw-glasses/config.yaml
//  4. ~/.config/openclaw-glasses/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gateway:
//	  password: "${OPENCLAW_GATEWAY_PASSWORD}"
//
// OPENCLAW_GATEWAY_URL, OPENCLAW_GATEWAY_PASSWORD and OPENCLAW_GATEWAY_TOKEN
// override the file when set.
//
// # Configuration Sections
//
//	gateway:
//	  url: "ws://127.0.0.1:18789"
//	  password: ""
//	  ping_interval: "30s"
//
//	client:
//	  id: "cli"
//	  mode: "backend"
//	  role: "operator"
//	  scopes: ["operator.read", "operator.write"]
//
//	identity:
//	  path: ""        # default ~/.openclaw/identity/device.json
//	  auth_path: ""   # default ~/.openclaw/identity/device-auth.json
//
//	timeouts:
//	  challenge: "15s"
//	  connect: "15s"
//	  request: "30s"
//	  stream: "120s"
//
//	reconnect:
//	  base_delay: "1s"
//	  max_delay: "30s"
//	  stable_after: "60s"
//
//	chat:
//	  session_key: "main"
//	  plaintext: false
//
//	journal:
//	  enabled: false
//	  path: "~/.openclaw/glasses.db"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Duration values use Go's time.ParseDuration syntax.
package config
