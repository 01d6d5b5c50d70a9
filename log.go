package main

import (
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/iqlusioninc/iqkms/pkg/log"
)

const rootLoggerName = "iqkmsd"

// newBootstrapLogger reads LOG_* from the process environment only. It
// logs until the full configuration, including .env, has been loaded.
func newBootstrapLogger() log.Logger {
	var conf log.Config
	if err := cleanenv.ReadEnv(&conf); err != nil {
		conf = log.Config{Format: "console", Level: log.LevelInfo, Output: "stderr"}
	}
	return log.NewZapLogger(conf).WithName(rootLoggerName)
}

func newRootLogger(conf log.Config) log.Logger {
	return log.NewZapLogger(conf).WithName(rootLoggerName)
}
