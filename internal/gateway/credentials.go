package gateway

import "os"

// resolveToken resolves the gateway authentication token. Config wins when
// set; otherwise the OPENCLAW_GATEWAY_TOKEN environment variable is read
// directly, mirroring the token-source precedence used throughout the
// orchestrator's configuration.
func resolveToken(configured string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv("OPENCLAW_GATEWAY_TOKEN")
}
