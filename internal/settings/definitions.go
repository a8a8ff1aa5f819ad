package settings

import (
	"fmt"
	"sort"
	"strconv"
)

// Type is the value type of a setting.
type Type string

const (
	TypeString Type = "string"
	TypeNumber Type = "number"
	TypeBool   Type = "boolean"
	TypeEnum   Type = "enum"
)

// Well-known setting keys. All dynamic broker knobs live here; bootstrap
// values (listen address, DSN, secrets) stay in config.
const (
	KeyCORSOrigin           = "server.cors_origin"
	KeyTrustProxy           = "server.trust_proxy"
	KeyAccessExpiry         = "auth.access_expiry"
	KeyRefreshExpiry        = "auth.refresh_expiry"
	KeyMaxFileSize          = "uploads.max_file_size"
	KeyStorageProvider      = "uploads.storage_provider"
	KeyUploadRetentionDays  = "uploads.retention_days"
	KeyClientRateWindowMs   = "limits.client_rate_window_ms"
	KeyClientRateMax        = "limits.client_rate_max"
	KeyAgentRateWindowMs    = "limits.agent_rate_window_ms"
	KeyAgentRateMax         = "limits.agent_rate_max"
	KeyMaxWSPerUser         = "limits.max_ws_per_user"
	KeyMaxWSTotal           = "limits.max_ws_total"
	KeyMaxGatewaysPerUser   = "limits.max_gateways_per_user"
	KeyMaxClientFrameBytes  = "limits.max_client_message_size"
	KeyMaxGatewayFrameBytes = "limits.max_gateway_message_size"
	KeyRouterBaseURL        = "router.base_url"
	KeyRouterAPIKey         = "router.api_key"
	KeyRouterModel          = "router.model"
	KeyRouterTimeoutMs      = "router.timeout_ms"
	KeyMaxChainDepth        = "chains.max_depth"
	KeyPermissionTimeoutMs  = "permissions.timeout_ms"
	KeyAgentQueueMax        = "agents.queue_max"
	KeyAgentOfflineGCDays   = "agents.offline_gc_days"
	KeyRoomContextMessages  = "rooms.context_messages"
	KeyMaintenanceCron      = "maintenance.cron"
)

// Definition describes one setting: its type, default, env fallback, and
// validation constraints.
type Definition struct {
	Key         string
	Type        Type
	Default     string
	EnvKey      string   // env var consulted when no DB row exists
	Sensitive   bool     // encrypted at rest, masked in listings, never logged
	Enum        []string // allowed values for TypeEnum
	Min, Max    float64  // bounds for TypeNumber; ignored unless Max > Min
	Description string
}

var definitions = map[string]Definition{
	KeyCORSOrigin: {
		Key: KeyCORSOrigin, Type: TypeString, Default: "*", EnvKey: "CORS_ORIGIN",
		Description: "Allowed origin for browser websocket and REST clients",
	},
	KeyTrustProxy: {
		Key: KeyTrustProxy, Type: TypeBool, Default: "false", EnvKey: "TRUST_PROXY",
		Description: "Trust X-Forwarded-For from the reverse proxy",
	},
	KeyAccessExpiry: {
		Key: KeyAccessExpiry, Type: TypeString, Default: "15m", EnvKey: "JWT_ACCESS_EXPIRY",
		Description: "Access token lifetime (supports s/m/h and d suffixes)",
	},
	KeyRefreshExpiry: {
		Key: KeyRefreshExpiry, Type: TypeString, Default: "7d", EnvKey: "JWT_REFRESH_EXPIRY",
		Description: "Refresh token lifetime",
	},
	KeyMaxFileSize: {
		Key: KeyMaxFileSize, Type: TypeNumber, Default: "26214400", EnvKey: "MAX_FILE_SIZE",
		Min: 1024, Max: 1 << 30,
		Description: "Upload size cap in bytes",
	},
	KeyUploadRetentionDays: {
		Key: KeyUploadRetentionDays, Type: TypeNumber, Default: "30", EnvKey: "UPLOAD_RETENTION_DAYS",
		Min: 1, Max: 365,
		Description: "Days an unreferenced upload is kept before the orphan sweep deletes it",
	},
	KeyStorageProvider: {
		Key: KeyStorageProvider, Type: TypeEnum, Default: "local", EnvKey: "STORAGE_PROVIDER",
		Enum:        []string{"local"},
		Description: "Upload storage backend",
	},
	KeyClientRateWindowMs: {
		Key: KeyClientRateWindowMs, Type: TypeNumber, Default: "60000", EnvKey: "CLIENT_RATE_LIMIT_WINDOW",
		Min: 1000, Max: 3600000,
		Description: "Client send_message rate window in ms",
	},
	KeyClientRateMax: {
		Key: KeyClientRateMax, Type: TypeNumber, Default: "30", EnvKey: "CLIENT_RATE_LIMIT_MAX",
		Min: 1, Max: 10000,
		Description: "Max client messages per window",
	},
	KeyAgentRateWindowMs: {
		Key: KeyAgentRateWindowMs, Type: TypeNumber, Default: "60000", EnvKey: "AGENT_RATE_LIMIT_WINDOW",
		Min: 1000, Max: 3600000,
		Description: "Agent-to-agent dispatch rate window in ms",
	},
	KeyAgentRateMax: {
		Key: KeyAgentRateMax, Type: TypeNumber, Default: "5", EnvKey: "AGENT_RATE_LIMIT_MAX",
		Min: 1, Max: 1000,
		Description: "Max agent-triggered dispatches per window",
	},
	KeyMaxWSPerUser: {
		Key: KeyMaxWSPerUser, Type: TypeNumber, Default: "10", EnvKey: "MAX_WS_CONNECTIONS_PER_USER",
		Min: 1, Max: 1000,
		Description: "Client websocket connections per user",
	},
	KeyMaxWSTotal: {
		Key: KeyMaxWSTotal, Type: TypeNumber, Default: "5000", EnvKey: "MAX_TOTAL_WS_CONNECTIONS",
		Min: 1, Max: 1000000,
		Description: "Client websocket connections process-wide",
	},
	KeyMaxGatewaysPerUser: {
		Key: KeyMaxGatewaysPerUser, Type: TypeNumber, Default: "20", EnvKey: "MAX_GATEWAY_CONNECTIONS_PER_USER",
		Min: 1, Max: 1000,
		Description: "Gateway websocket connections per user",
	},
	KeyMaxClientFrameBytes: {
		Key: KeyMaxClientFrameBytes, Type: TypeNumber, Default: "65536", EnvKey: "MAX_CLIENT_MESSAGE_SIZE",
		Min: 1024, Max: 1 << 24,
		Description: "Max client frame size in bytes",
	},
	KeyMaxGatewayFrameBytes: {
		Key: KeyMaxGatewayFrameBytes, Type: TypeNumber, Default: "262144", EnvKey: "MAX_GATEWAY_MESSAGE_SIZE",
		Min: 1024, Max: 1 << 26,
		Description: "Max gateway frame size in bytes (tool results are large)",
	},
	KeyRouterBaseURL: {
		Key: KeyRouterBaseURL, Type: TypeString, Default: "", EnvKey: "ROUTER_LLM_BASE_URL",
		Description: "AI Router endpoint for broadcast sub-routing; empty disables broadcast dispatch",
	},
	KeyRouterAPIKey: {
		Key: KeyRouterAPIKey, Type: TypeString, Default: "", EnvKey: "ROUTER_LLM_API_KEY",
		Sensitive:   true,
		Description: "Bearer token for the AI Router endpoint",
	},
	KeyRouterModel: {
		Key: KeyRouterModel, Type: TypeString, Default: "gpt-4o-mini", EnvKey: "ROUTER_LLM_MODEL",
		Description: "Model name passed to the AI Router",
	},
	KeyRouterTimeoutMs: {
		Key: KeyRouterTimeoutMs, Type: TypeNumber, Default: "30000", EnvKey: "ROUTER_LLM_TIMEOUT_MS",
		Min: 100, Max: 120000,
		Description: "AI Router request timeout in ms",
	},
	KeyMaxChainDepth: {
		Key: KeyMaxChainDepth, Type: TypeNumber, Default: "5", EnvKey: "MAX_AGENT_CHAIN_DEPTH",
		Min: 1, Max: 10,
		Description: "Max agent-to-agent handoff depth before a chain is cut",
	},
	KeyPermissionTimeoutMs: {
		Key: KeyPermissionTimeoutMs, Type: TypeNumber, Default: "300000", EnvKey: "PERMISSION_TIMEOUT_MS",
		Min: 1000, Max: 3600000,
		Description: "Permission request timeout before auto-deny, in ms",
	},
	KeyAgentQueueMax: {
		Key: KeyAgentQueueMax, Type: TypeNumber, Default: "50", EnvKey: "AGENT_QUEUE_MAX",
		Min: 1, Max: 1000,
		Description: "Per-agent pending turn queue capacity",
	},
	KeyAgentOfflineGCDays: {
		Key: KeyAgentOfflineGCDays, Type: TypeNumber, Default: "30", EnvKey: "AGENT_OFFLINE_GC_DAYS",
		Min: 1, Max: 365,
		Description: "Days an agent may stay offline before garbage collection",
	},
	KeyRoomContextMessages: {
		Key: KeyRoomContextMessages, Type: TypeNumber, Default: "20", EnvKey: "ROOM_CONTEXT_MESSAGES",
		Min: 1, Max: 50,
		Description: "Recent messages included in the room context pushed to agents",
	},
	KeyMaintenanceCron: {
		Key: KeyMaintenanceCron, Type: TypeString, Default: "0 3 * * *", EnvKey: "MAINTENANCE_CRON",
		Description: "Cron schedule for the nightly maintenance sweep",
	},
}

// Lookup returns the definition for key.
func Lookup(key string) (Definition, bool) {
	def, ok := definitions[key]
	return def, ok
}

// Keys returns all known setting keys, sorted.
func Keys() []string {
	keys := make([]string, 0, len(definitions))
	for k := range definitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// validate checks a candidate value against the definition.
func (d Definition) validate(value string) error {
	switch d.Type {
	case TypeNumber:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("setting %s: %q is not a number", d.Key, value)
		}
		if d.Max > d.Min && (n < d.Min || n > d.Max) {
			return fmt.Errorf("setting %s: %v out of range [%v, %v]", d.Key, n, d.Min, d.Max)
		}
	case TypeBool:
		switch value {
		case "true", "false", "1", "0":
		default:
			return fmt.Errorf("setting %s: %q is not a boolean", d.Key, value)
		}
	case TypeEnum:
		for _, allowed := range d.Enum {
			if value == allowed {
				return nil
			}
		}
		return fmt.Errorf("setting %s: %q not in %v", d.Key, value, d.Enum)
	}
	return nil
}
