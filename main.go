package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"breathing-analysis/audio"
	"breathing-analysis/config"
	"breathing-analysis/utils"

	"github.com/mdobak/go-xerrors"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Expected 'serve' subcommand")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		protocol := serveCmd.String("proto", "http", "Protocol to use (http or https)")
		port := serveCmd.String("p", "", "Port to use (overrides PORT)")
		envFile := serveCmd.String("env", ".env", "Path to .env file")
		serveCmd.Parse(os.Args[2:])

		cfg, err := config.Load(config.Overrides{EnvFile: *envFile, Port: *port})
		if err != nil {
			log.Fatalf("invalid configuration: %v", err)
		}
		utils.SetLogLevel(cfg.LogLevel)

		if err := utils.CreateFolder(cfg.TmpDir); err != nil {
			logger := utils.GetLogger()
			err := xerrors.New(err)
			logger.ErrorContext(context.Background(), "Failed create tmp dir.", slog.Any("error", err))
		}

		if err := audio.CheckFFmpegAvailable(); err != nil {
			log.Printf("WARNING: %v\n", err)
			log.Println("The server will start but only WAV, FLAC, Ogg Vorbis and MP3 uploads can be decoded.")
		} else {
			log.Println("FFmpeg is available")
		}

		serve(cfg, strings.ToLower(*protocol))
	default:
		fmt.Println("Expected 'serve' subcommand")
		os.Exit(1)
	}
}
