package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	modbus "github.com/grid-x/modbus-stack"
)

func main() {
	config, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var server *modbus.Server
	switch config.Protocol {
	case "tcp":
		server = modbus.TCPServer(config.Listen)
	case "udp":
		server = modbus.UDPServer(config.Listen)
	default:
		logger.Error("unsupported protocol", "protocol", config.Protocol)
		os.Exit(1)
	}

	for _, unit := range config.Units {
		if err := server.Add(newModel(unit)); err != nil {
			logger.Error("adding unit", "err", err)
			os.Exit(1)
		}
		logger.Info("serving unit", "unit", unit.Unit, "coils", unit.Coils, "registers", unit.Registers)
	}

	cancel := server.Listen(func(err error) {
		logger.Error("transport error", "err", err)
	}, func() {
		logger.Info("transport closed")
	})
	defer cancel()

	ctx := context.Background()
	if err := server.Open(ctx); err != nil {
		logger.Error("opening transport", "err", err)
		os.Exit(1)
	}
	logger.Info("listening", "protocol", config.Protocol, "address", config.Listen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	server.Destroy()
}
