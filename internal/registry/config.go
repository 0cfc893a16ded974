package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"omnex-core/pkg/exchanges/common"
)

// ExchangeConfig declares one external exchange account.
type ExchangeConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"` // binance, okx
	Enabled      bool     `yaml:"enabled"`
	Priority     int      `yaml:"priority"`    // lower is preferred
	RateLimit    int      `yaml:"rate_limit"`  // requests per minute
	OrderLimit   int      `yaml:"order_limit"` // max orders per minute, 0 = unlimited
	BaseURL      string   `yaml:"base_url"`
	APIKey       string   `yaml:"api_key"`
	APISecret    string   `yaml:"api_secret"`
	Passphrase   string   `yaml:"passphrase"`
	Capabilities []string `yaml:"capabilities"`
	ProbeAsset   string   `yaml:"probe_asset"` // asset used for health probes
}

// Credentials converts the config into the adapter credential struct.
func (c ExchangeConfig) Credentials() common.Credentials {
	return common.Credentials{
		APIKey:     c.APIKey,
		APISecret:  c.APISecret,
		Passphrase: c.Passphrase,
	}
}

type configFile struct {
	Exchanges []ExchangeConfig `yaml:"exchanges"`
}

// LoadConfigs reads the exchange declarations from a YAML file.
func LoadConfigs(path string) ([]ExchangeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exchange config: %w", err)
	}

	// Credentials may be referenced as ${VAR} to keep secrets out of the file.
	raw = []byte(os.ExpandEnv(string(raw)))

	var file configFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse exchange config: %w", err)
	}
	for i, cfg := range file.Exchanges {
		if cfg.ID == "" {
			return nil, fmt.Errorf("exchange %d: id is required", i)
		}
		if cfg.ProbeAsset == "" {
			file.Exchanges[i].ProbeAsset = "USDT"
		}
	}
	return file.Exchanges, nil
}
