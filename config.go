package offline

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin         string           `yaml:"origin"`
	Port           int              `yaml:"port"`
	APIPrefix      string           `yaml:"apiPrefix"`
	CacheablePaths []string         `yaml:"cacheablePaths"`
	Shell          string           `yaml:"shell"`
	Precache       PrecacheManifest `yaml:"precache"`
	Versions       RegionVersions   `yaml:"versions"`
}

// PrecacheManifest lists the static files warmed at install time.
// Essential files must all be cached for the install to succeed; optional
// files are best-effort.
type PrecacheManifest struct {
	Essential []string `yaml:"essential"`
	Optional  []string `yaml:"optional"`
}

// RegionVersions declares the current generation of each cache region.
// Bump a version at deploy time to retire the previous generation on the
// next activation.
type RegionVersions struct {
	Static      string `yaml:"static"`
	DynamicData string `yaml:"dynamicData"`
}

// LoadConfig reads the yaml config file and fills in defaults.
// An empty filename yields the default config.
func LoadConfig(filename string) (Config, error) {
	var config Config
	if filename == "" {
		config.setDefaults()
		return config, nil
	}
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}
	config.setDefaults()
	return config, nil
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.APIPrefix == "" {
		c.APIPrefix = "/api/"
	}
	if c.Shell == "" {
		c.Shell = "/index.html"
	}
	if c.Versions.Static == "" {
		c.Versions.Static = "static-v1"
	}
	if c.Versions.DynamicData == "" {
		c.Versions.DynamicData = "dynamic-data-v1"
	}
}
