package supervisor

import (
	"os"
	"strings"

	"github.com/drewfead/raysession/internal/proxyconfig"
)

// Env describes where and as whom a client runs.
type Env struct {
	ClientID    string
	SessionName string
	Dir         string
}

// Variables removed from the inherited environment so a proxied client
// never talks to a session server directly.
var scrubbed = []string{"NSM_URL", "RAY_CONTROL_URL"}

// BuildEnv derives a child environment from base. configFile is expanded
// against the environment it is being added to.
func BuildEnv(base []string, env Env, configFile string) []string {
	drop := map[string]bool{
		"NSM_CLIENT_ID":    true,
		"RAY_SESSION_NAME": true,
		"CONFIG_FILE":      true,
	}
	for _, k := range scrubbed {
		drop[k] = true
	}

	out := make([]string, 0, len(base)+3)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if drop[key] {
			continue
		}
		out = append(out, kv)
	}
	out = append(out,
		"NSM_CLIENT_ID="+env.ClientID,
		"RAY_SESSION_NAME="+env.SessionName,
	)
	expanded := proxyconfig.ExpandEnv(configFile, proxyconfig.EnvLookup(out))
	return append(out, "CONFIG_FILE="+expanded)
}

// BuildArgs expands the argument line against the child environment and
// tokenizes it.
func BuildArgs(line string, childEnv []string) ([]string, error) {
	expanded := proxyconfig.ExpandEnv(line, proxyconfig.EnvLookup(childEnv))
	return proxyconfig.SplitArguments(expanded)
}

// ConfigFilePath returns the config file name as the child will see it in
// CONFIG_FILE.
func ConfigFilePath(env Env, configFile string) string {
	if configFile == "" {
		return ""
	}
	childEnv := BuildEnv(os.Environ(), env, configFile)
	_, value, _ := strings.Cut(childEnv[len(childEnv)-1], "=")
	return value
}
