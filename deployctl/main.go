// Command deployctl is the operator CLI for domain node deployments. It
// installs and checks the enclave proxy, provisions deployments through the
// deployment service and smoke-tests running nodes over NATS.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if level, err := zerolog.ParseLevel(os.Getenv("DEPLOYCTL_LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	registry := NewCommandRegistry(Version)
	registry.Register(installProxyCommand())
	registry.Register(proxyStatusCommand())
	registry.Register(deployCommand())
	registry.Register(pingCommand())

	if err := registry.Execute(os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
