package app

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/ayobaapps/bgm-recorder/internal"
	log "github.com/sirupsen/logrus"
)

func configureLog() {
	log.SetOutput(os.Stdout)

	if isTty() {
		log.SetFormatter(&log.TextFormatter{
			CallerPrettyfier: func(f *runtime.Frame) (string, string) {
				filename := path.Base(f.File)
				return fmt.Sprintf("%s:%d", filename, f.Line),
					fmt.Sprintf("> %s()", strings.Replace(f.Function, internal.ModName, ".", 1))
			},
			FullTimestamp: true,
		})
	} else {
		log.SetFormatter(&log.JSONFormatter{CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return fmt.Sprintf("%s()", strings.Replace(f.Function, internal.ModName, ".", 1)),
				fmt.Sprintf("%s:%d", f.File, f.Line)
		}})
	}

	if flags.debug || cfg.Debug {
		if log.GetLevel() != log.DebugLevel {
			log.SetReportCaller(true)
			log.SetLevel(log.DebugLevel)
			log.Debug("debug log enabled")
		}
		return
	}

	if log.GetLevel() == log.DebugLevel {
		log.Debug("debug log disabled")
	}
	log.SetReportCaller(false)

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warnf("invalid log level %q, using info", cfg.Log.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func isTty() bool {
	if fileInfo, _ := os.Stdout.Stat(); (fileInfo.Mode() & os.ModeCharDevice) != 0 {
		return true
	}
	return false
}
