package config

import (
	"os"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/catalog"
	"github.com/pion/webrtc/v3"
	log "github.com/sirupsen/logrus"
)

type App struct {
	Name       string
	Version    string
	GitHash    string
	LongName   string
	InstanceId string
}

type Config struct {
	App        App        `yaml:"-"`
	Debug      bool       `yaml:"debug,omitempty"`
	Recorder   Recorder   `yaml:"recorder,omitempty"`
	Capture    Capture    `yaml:"capture,omitempty"`
	Mixer      Mixer      `yaml:"mixer,omitempty"`
	Catalog    Catalog    `yaml:"catalog,omitempty"`
	Export     Export     `yaml:"export,omitempty"`
	Bridge     Bridge     `yaml:"bridge,omitempty"`
	PubSub     PubSub     `yaml:"pubsub,omitempty"`
	HTTP       HTTP       `yaml:"http,omitempty"`
	Prometheus Prometheus `yaml:"prometheus,omitempty"`
	Log        LogConfig  `yaml:"log"`
}

func (cfg *Config) GetDefaults() *Config {
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets the default values
func (cfg *Config) SetDefaults() {
	if cfg.App.Name == "" {
		var err error
		if cfg.App.Name, err = os.Executable(); err != nil {
			log.Error(err)
			cfg.App.Name = "unknown"
		}
	}

	cfg.Recorder.Directory = os.TempDir()
	cfg.Recorder.DirFileMode = "0700"
	cfg.Recorder.FileMode = "0600"
	cfg.Recorder.WriteIVFCopy = false
	cfg.Recorder.WriteStatsFile = false
	cfg.Recorder.ChunkSize = 64 * 1024
	cfg.Recorder.SampleQueueSize = 64
	cfg.Recorder.StopTimeout = 10 * time.Second
	cfg.Capture = Capture{
		Source:            "file",
		PermissionTimeout: 30 * time.Second,
		File: FileCapture{
			Loop:     false,
			Realtime: true,
		},
		WebRTC: WebRTC{
			RTCMinPort:   24577,
			RTCMaxPort:   32768,
			JitterBuffer: 512,
			PLIInterval:  3 * time.Second,
		},
	}
	cfg.Mixer = Mixer{
		Realtime:         true,
		FetchTimeout:     15 * time.Second,
		MonitorQueueSize: 32,
		MaxTrackSize:     64 << 20,
	}
	cfg.Export = Export{
		FileName:     "recording",
		MediaBaseURL: "/media",
	}
	cfg.Bridge = Bridge{
		Host: "pubsub",
	}
	cfg.PubSub.Channels = Channels{
		Subscribe: "to-" + cfg.App.Name,
		Publish:   "from-" + cfg.App.Name,
	}
	cfg.PubSub.Adapter = "redis"
	cfg.PubSub.Adapters = make(map[string]interface{})
	cfg.PubSub.Adapters["redis"] = &Redis{
		Address:  ":6379",
		Network:  "tcp",
		Password: "",
	}
	cfg.HTTP = HTTP{
		Enable: false,
		Port:   8080,
	}
	cfg.Prometheus = Prometheus{
		Enable:        false,
		ListenAddress: "127.0.0.1:3200",
	}
	cfg.Log = LogConfig{
		Level: "info",
	}
}

type Recorder struct {
	Directory       string        `yaml:"directory,omitempty"`
	DirFileMode     string        `yaml:"dirFileMode,omitempty"`
	FileMode        string        `yaml:"fileMode,omitempty"`
	WriteIVFCopy    bool          `yaml:"writeIVFCopy,omitempty"`
	WriteStatsFile  bool          `yaml:"writeStatsFile,omitempty"`
	ChunkSize       int           `yaml:"chunkSize,omitempty"`
	SampleQueueSize int           `yaml:"sampleQueueSize,omitempty"`
	StopTimeout     time.Duration `yaml:"stopTimeout,omitempty"`
}

type Capture struct {
	// Source is either "file" or "webrtc".
	Source            string        `yaml:"source,omitempty"`
	PermissionTimeout time.Duration `yaml:"permissionTimeout,omitempty"`
	File              FileCapture   `yaml:"file,omitempty"`
	WebRTC            WebRTC        `yaml:"webrtc,omitempty"`
}

type FileCapture struct {
	Video    string `yaml:"video,omitempty"`
	Audio    string `yaml:"audio,omitempty"`
	Loop     bool   `yaml:"loop,omitempty"`
	Realtime bool   `yaml:"realtime,omitempty"`
}

type WebRTC struct {
	ICEServers   []webrtc.ICEServer `yaml:"iceServers,omitempty"`
	RTCMinPort   uint16             `yaml:"rtcMinPort,omitempty"`
	RTCMaxPort   uint16             `yaml:"rtcMaxPort,omitempty"`
	JitterBuffer uint16             `yaml:"jitterBuffer,omitempty"`
	PLIInterval  time.Duration      `yaml:"pliInterval,omitempty"`
}

type Mixer struct {
	Realtime         bool          `yaml:"realtime,omitempty"`
	FetchTimeout     time.Duration `yaml:"fetchTimeout,omitempty"`
	MonitorQueueSize int           `yaml:"monitorQueueSize,omitempty"`
	// MaxTrackSize caps the bytes read from a background track file.
	MaxTrackSize int64 `yaml:"maxTrackSize,omitempty"`
}

type Catalog struct {
	File   string          `yaml:"file,omitempty"`
	Tracks []catalog.Entry `yaml:"tracks,omitempty"`
}

type Export struct {
	FileName     string `yaml:"fileName,omitempty"`
	MediaBaseURL string `yaml:"mediaBaseURL,omitempty"`
}

type Bridge struct {
	// Host is "pubsub" or "none".
	Host      string `yaml:"host,omitempty"`
	UserAgent string `yaml:"userAgent,omitempty"`
}

type Redis struct {
	Address  string `yaml:"address,omitempty"`
	Network  string `yaml:"network,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type PubSub struct {
	Channels Channels `yaml:"channels,omitempty"`
	Adapter  string   `yaml:"adapter,omitempty"`
	Adapters map[string]interface{}
}

type Channels struct {
	Subscribe string `yaml:"subscribe,omitempty"`
	Publish   string `yaml:"publish,omitempty"`
}

type HTTP struct {
	Enable bool `yaml:"enable,omitempty"`
	Port   int  `yaml:"port,omitempty"`
}

type Prometheus struct {
	Enable        bool   `yaml:"enable,omitempty"`
	ListenAddress string `yaml:"listenAddress,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}
