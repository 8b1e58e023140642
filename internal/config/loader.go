package config

import (
	"fmt"
	"path"
	"strings"

	"github.com/crazy-max/gonfig"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// EnvPrefix turns an application name into its environment variable prefix,
// e.g. "bgm-recorder" becomes "BGM_RECORDER_".
func EnvPrefix(app string) string {
	p := strings.ReplaceAll(app, " ", "_")
	return strings.ToUpper(strings.ReplaceAll(p, "-", "_")) + "_"
}

// Load overlays the configuration file (if any) and then the environment
// variables on top of cfg.
func (cfg *Config) Load(app, configFile string) error {
	if configFile == "" {
		configFile = app + ".yml"
	} else {
		configFile = path.Clean(configFile)
	}
	fileLoader := gonfig.NewFileLoader(gonfig.FileLoaderConfig{
		Filename: configFile,
		Finder: gonfig.Finder{
			BasePaths: []string{
				fmt.Sprintf("/etc/%s/%s", app, app),
				fmt.Sprintf("$HOME/.config/%s", app),
				fmt.Sprintf("./%s", app),
			},
			Extensions: []string{"yaml", "yml"},
		},
	})
	if found, err := fileLoader.Load(cfg); err != nil {
		return errors.Wrapf(err, "failed to decode configuration from file: %s", fileLoader.GetFilename())
	} else if !found {
		log.Debugf("no configuration file found: %s", fileLoader.GetFilename())
	} else {
		log.Infof("configuration loaded from file: %s", fileLoader.GetFilename())
	}

	envPrefix := EnvPrefix(app)
	envLoader := gonfig.NewEnvLoader(gonfig.EnvLoaderConfig{
		Prefix: envPrefix,
	})
	if found, err := envLoader.Load(cfg); err != nil {
		return errors.Wrap(err, "failed to decode configuration from environment variables")
	} else if !found {
		log.Debugf("no %s* environment variables defined", envPrefix)
	} else {
		log.Infof("configuration loaded from %d environment variables", len(envLoader.GetVars()))
	}

	return cfg.Validate()
}

func (cfg *Config) Validate() error {
	switch cfg.Capture.Source {
	case "file", "webrtc":
	default:
		return fmt.Errorf("unknown capture source '%s'", cfg.Capture.Source)
	}
	switch cfg.Bridge.Host {
	case "pubsub", "none", "":
	default:
		return fmt.Errorf("unknown bridge host '%s'", cfg.Bridge.Host)
	}
	if cfg.Recorder.ChunkSize <= 0 {
		return fmt.Errorf("invalid recorder chunk size %d", cfg.Recorder.ChunkSize)
	}
	if cfg.Capture.WebRTC.RTCMinPort > cfg.Capture.WebRTC.RTCMaxPort {
		return fmt.Errorf("invalid rtc port range %d-%d",
			cfg.Capture.WebRTC.RTCMinPort, cfg.Capture.WebRTC.RTCMaxPort)
	}
	return nil
}
