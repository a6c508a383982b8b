package proxyconfig

import (
	"os"

	"github.com/kballard/go-shellquote"
)

// PlaceholderArguments is proposed when a config file is set and no arguments
// were given.
const PlaceholderArguments = `"$CONFIG_FILE"`

// SplitArguments tokenizes a shell-like argument line. Quoted segments are
// single tokens; unbalanced quotes are an error, never a partial split.
func SplitArguments(line string) ([]string, error) {
	return shellquote.Split(line)
}

// DefaultArguments returns the arguments line to use for configFile when
// arguments is empty.
func DefaultArguments(configFile, arguments string) string {
	if configFile != "" && arguments == "" {
		return PlaceholderArguments
	}
	if configFile == "" && arguments == PlaceholderArguments {
		return ""
	}
	return arguments
}

// ExpandEnv replaces $VAR and ${VAR} using lookup. Unknown variables are left
// in place so ExpandEnv can run before the child environment is complete.
func ExpandEnv(s string, lookup func(string) (string, bool)) string {
	return os.Expand(s, func(name string) string {
		if v, ok := lookup(name); ok {
			return v
		}
		return "${" + name + "}"
	})
}

// EnvLookup returns a lookup function over a KEY=VALUE environment slice.
func EnvLookup(env []string) func(string) (string, bool) {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}
