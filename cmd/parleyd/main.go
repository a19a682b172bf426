package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/parley-chat/parley/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", defaultConfigPath(), "path to config.toml")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag}),
	)

	app.Run()
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".parley", "config.toml")
}
