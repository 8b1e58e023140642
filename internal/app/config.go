package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ayobaapps/bgm-recorder/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

func initConfig() *config.Config {
	return (&config.Config{App: app}).GetDefaults()
}

func loadConfig() error {
	newCfg := initConfig()
	if err := newCfg.Load(app.Name, flags.config); err != nil {
		return err
	}
	*cfg = *newCfg
	return nil
}

// dumpConfig prints the value at the dotted path given by --dump ("all" for
// the whole configuration) and exits.
func dumpConfig() {
	y, err := yaml.Marshal(cfg)
	if err != nil {
		log.Fatalf("failed to marshal config: %s", err)
	}
	var v interface{}
	if err := yaml.Unmarshal(y, &v); err != nil {
		log.Fatalf("failed to unmarshal config: %s", err)
	}

	if flags.dump != "all" {
		v = lookupPath(v, strings.Split(flags.dump, "."))
	}
	if v == nil {
		os.Exit(1)
	}

	b, _ := yaml.Marshal(v)
	fmt.Print(string(b))
	os.Exit(0)
}

func lookupPath(v interface{}, keys []string) interface{} {
	for _, k := range keys {
		switch node := v.(type) {
		case map[string]interface{}:
			v = node[k]
		case []interface{}:
			i, err := strconv.Atoi(k)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			v = node[i]
		default:
			return nil
		}
	}
	return v
}
