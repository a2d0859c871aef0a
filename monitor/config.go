package monitor

import (
	"encoding/json"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/dsmhw/powermon/buses"
	"github.com/dsmhw/powermon/devices/adc128d818"
	"github.com/dsmhw/powermon/devices/bmp280"
	"github.com/dsmhw/powermon/devices/ina260"
	"github.com/dsmhw/powermon/export"
)

// Section pairs a bus location with one driver's configuration.
type Section[T any] struct {
	I2C    buses.Config `json:"i2c"`
	Config T            `json:"config"`
}

// Config selects which devices the monitor polls and where readings go.
// Device sections left nil are skipped entirely. The DS3231 has no driver
// knobs, so its section is just the bus location.
type Config struct {
	UDPAddr         string  `json:"udp_addr"`
	UDPPort         int     `json:"udp_port"`
	ReadIntervalSec float64 `json:"read_interval_s"`
	PromFile        string  `json:"prom_file,omitempty"`

	ADC128D818 *Section[adc128d818.Config] `json:"adc128d818,omitempty"`
	INA260     *Section[ina260.Config]     `json:"ina260,omitempty"`
	BMP280     *Section[bmp280.Config]     `json:"bmp280,omitempty"`
	DS3231     *buses.Config               `json:"ds3231,omitempty"`
}

// DefaultConfig mirrors the deployed wiring: the ADC behind the voltage
// dividers on bus 1 at 0x1D, the INA260 on bus 1 at 0x40 averaging four
// 1.1 ms conversions, readings to a local UDP listener once a second.
func DefaultConfig() Config {
	return Config{
		UDPAddr:         "localhost",
		UDPPort:         9999,
		ReadIntervalSec: 1.0,
		ADC128D818: &Section[adc128d818.Config]{
			I2C: buses.Config{Bus: 1, Address: 0x1D},
			Config: adc128d818.Config{
				ChannelScales: []float64{2.7, 2.7, 2.7, 5.0, 5.0, 5.0, 2.0, 100.0},
			},
		},
		INA260: &Section[ina260.Config]{
			I2C:    buses.Config{Bus: 1, Address: 0x40},
			Config: ina260.DefaultConfig(),
		},
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.ReadIntervalSec <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("read_interval_s must be positive"))
	}
	if cfg.UDPAddr != "" && (cfg.UDPPort <= 0 || cfg.UDPPort > 65535) {
		return goutils.NewConfigValidationError(path, errors.New("udp_port must be in [1, 65535]"))
	}
	if cfg.ADC128D818 == nil && cfg.INA260 == nil && cfg.BMP280 == nil && cfg.DS3231 == nil {
		return goutils.NewConfigValidationError(path, errors.New("no devices configured"))
	}
	if s := cfg.ADC128D818; s != nil {
		if err := s.I2C.Validate(path + ".adc128d818.i2c"); err != nil {
			return err
		}
		if err := s.Config.Validate(path + ".adc128d818.config"); err != nil {
			return err
		}
	}
	if s := cfg.INA260; s != nil {
		if err := s.I2C.Validate(path + ".ina260.i2c"); err != nil {
			return err
		}
		if err := s.Config.Validate(path + ".ina260.config"); err != nil {
			return err
		}
	}
	if s := cfg.BMP280; s != nil {
		if err := s.I2C.Validate(path + ".bmp280.i2c"); err != nil {
			return err
		}
		if err := s.Config.Validate(path + ".bmp280.config"); err != nil {
			return err
		}
	}
	if c := cfg.DS3231; c != nil {
		if err := c.Validate(path + ".ds3231"); err != nil {
			return err
		}
	}
	return nil
}

// DecodeConfigMap decodes a JSON-shaped map into a Config. Unknown keys are
// an error rather than silently dropped, so a typo in a config file fails
// loudly instead of leaving a device on defaults.
func DecodeConfigMap(raw map[string]interface{}) (Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      &cfg,
		ErrorUnused: true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return Config{}, errors.Wrap(err, "cannot decode monitor config")
	}
	return cfg, nil
}

// EncodeConfigMap renders a Config as the JSON-shaped map DecodeConfigMap
// accepts.
func EncodeConfigMap(cfg Config) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadConfig reads, decodes and validates a JSON config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "cannot read monitor config %s", path)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Wrapf(err, "cannot parse monitor config %s", path)
	}
	cfg, err := DecodeConfigMap(raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "%s", path)
	}
	if err := cfg.Validate(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveConfig writes cfg as an indented JSON file.
func SaveConfig(path string, cfg Config) error {
	return export.WriteJSON(path, cfg)
}
