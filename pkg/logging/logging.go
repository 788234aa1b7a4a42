package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging sets the level and format of the standard logrus logger.
// An unknown level falls back to info.
func ConfigureLogging(level, format string) {
	ConfigureLoggingTo(os.Stdout, level, format)
}

func ConfigureLoggingTo(out io.Writer, level, format string) {
	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(out)

	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}
