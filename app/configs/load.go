package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

func DefaultConfig() Config {
	return defaultConfig()
}

// LoadConfigFile reads path without writing it back. A missing file yields
// the defaults. Environment overrides are applied like Manager.Get.
func LoadConfigFile(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return Config{}, err
		}
		cfg = fileCfg
		applyDefaults(&cfg)
	}
	applyEnv(&cfg, os.Getenv)
	return cfg, nil
}
