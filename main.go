package main

import (
	"fmt"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"errtrack/src/config"
	"errtrack/src/server"
	"errtrack/src/store"
)

func SetupLogger(cfg config.Config) {
	level, err := logger.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = logger.DebugLevel
	}
	logger.SetLevel(level)

	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logger.JSONFormatter{})
	} else {
		logger.SetFormatter(&logger.TextFormatter{
			FullTimestamp: true,
		})
	}
}

func main() {
	cfg := config.GetConfig()
	SetupLogger(cfg)
	defer handlePanic()

	st, err := store.FromConfig(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure error store")
	}

	server.StartServer(cfg.Port, st)
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error("Application errtrack panic")
	}
	//nolint
	time.Sleep(time.Second * 5)
}
