package main

import (
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/Alia5/usbipd/internal/config"
	"github.com/Alia5/usbipd/internal/configpaths"
	"github.com/Alia5/usbipd/internal/log"
	"github.com/Alia5/usbipd/internal/server/api/handler"
)

var version = "dev"

func main() {
	handler.Version = version

	userCfg := findUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := configpaths.ConfigCandidatePaths(userCfg)

	var cli config.CLI
	ctx := kong.Parse(&cli,
		kong.Name("usbipd"),
		kong.Description("USB/IP server exporting local USB devices over TCP"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		// Load configuration from JSON/YAML/TOML in priority order; flags/env override config values.
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	logger, closeFiles, err := log.SetupLogger(log.Options{
		Level:      cli.Log.Level,
		File:       cli.Log.File,
		MaxSize:    cli.Log.MaxSize,
		MaxBackups: cli.Log.MaxBackups,
	})
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		os.Exit(2)
	}

	rawLogger, rawCloser := openRawLogger(cli.Log)
	if rawCloser != nil {
		closeFiles = append(closeFiles, rawCloser)
	}

	ctx.Bind(logger)
	ctx.BindTo(rawLogger, (*log.RawLogger)(nil))

	err = ctx.Run()
	for _, c := range closeFiles {
		_ = c.Close()
	}
	ctx.FatalIfErrorf(err)
}

// openRawLogger opens the hex dump target: the raw log file, stdout at trace
// level, or nothing.
func openRawLogger(cfg config.Log) (log.RawLogger, io.Closer) {
	switch {
	case cfg.RawFile != "":
		f, err := os.OpenFile(cfg.RawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			_, _ = os.Stderr.WriteString("failed to open raw log file " + cfg.RawFile + ": " + err.Error() + "\n")
			return log.NewRaw(nil), nil
		}
		return log.NewRaw(f), f
	case strings.EqualFold(cfg.Level, "trace"):
		return log.NewRaw(os.Stdout), nil
	default:
		return log.NewRaw(nil), nil
	}
}

func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--config=") {
			return a[len("--config="):]
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("USBIPD_CONFIG")
}
