package main

import (
	"flag"

	"go.uber.org/fx"

	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
	"github.com/contactevin2u/chatunclev2-sub001/internal/daemon"
)

func main() {
	dataDirFlag := flag.String("data-dir", "", "data directory (overrides "+config.DataDirEnv+")")
	configFlag := flag.String("config", "", "config file (overrides "+config.ConfigEnv+")")
	flag.Parse()

	dataDir := config.ResolveDataDir(*dataDirFlag)
	app := fx.New(
		fx.NopLogger,
		daemon.Module(daemon.Params{
			DataDir:    dataDir,
			ConfigPath: config.ResolveConfigPath(*configFlag, dataDir),
		}),
	)

	app.Run()
}
