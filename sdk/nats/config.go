// Package nats holds the connection options shared by everything in pipex
// that talks to NATS.
package nats

import (
	"os"
	"strings"

	"github.com/nats-io/nats.go"
)

const (
	UrlEnvVar  = "NATS_URL"
	JwtEnvVar  = "NATS_JWT"
	SeedEnvVar = "NATS_SEED"
)

func envPrefix(prefix string) string {
	if prefix != "" && !strings.HasSuffix(prefix, "_") {
		prefix = prefix + "_"
	}
	return prefix
}

// FromEnv names the connection and picks up <PREFIX>_NATS_JWT and
// <PREFIX>_NATS_SEED when both are set.
func FromEnv(name string, prefix string) nats.Option {
	prefix = envPrefix(prefix)

	return func(options *nats.Options) error {
		jwt := os.Getenv(prefix + JwtEnvVar)
		seed := os.Getenv(prefix + SeedEnvVar)
		if jwt != "" && seed != "" {
			if err := nats.UserJWTAndSeed(jwt, seed)(options); err != nil {
				return err
			}
		}

		options.Name = name

		return nil
	}
}

func GetUrl(prefix string) string {
	return os.Getenv(envPrefix(prefix) + UrlEnvVar)
}

// Key builds a dotted KV key; empty parts are left out.
func Key(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "."); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}
