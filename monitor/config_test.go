package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"github.com/dsmhw/powermon/buses"
	"github.com/dsmhw/powermon/devices/ina260"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.UDPAddr, test.ShouldEqual, "localhost")
	test.That(t, cfg.UDPPort, test.ShouldEqual, 9999)
	test.That(t, cfg.ReadIntervalSec, test.ShouldEqual, 1.0)
	test.That(t, cfg.PromFile, test.ShouldEqual, "")

	test.That(t, cfg.ADC128D818.I2C, test.ShouldResemble, buses.Config{Bus: 1, Address: 0x1D})
	test.That(t, cfg.ADC128D818.Config.Start, test.ShouldBeFalse)
	test.That(t, cfg.ADC128D818.Config.Continuous, test.ShouldBeFalse)
	test.That(t, cfg.ADC128D818.Config.ChannelScales, test.ShouldResemble,
		[]float64{2.7, 2.7, 2.7, 5.0, 5.0, 5.0, 2.0, 100.0})

	test.That(t, cfg.INA260.I2C, test.ShouldResemble, buses.Config{Bus: 1, Address: 0x40})
	test.That(t, cfg.INA260.Config, test.ShouldResemble, ina260.DefaultConfig())

	test.That(t, cfg.BMP280, test.ShouldBeNil)
	test.That(t, cfg.DS3231, test.ShouldBeNil)

	test.That(t, cfg.Validate("monitor"), test.ShouldBeNil)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadIntervalSec = 0
	err := cfg.Validate("monitor")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "read_interval_s")

	cfg = DefaultConfig()
	cfg.UDPPort = 0
	err = cfg.Validate("monitor")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "udp_port")

	// no UDP sink at all is allowed
	cfg = DefaultConfig()
	cfg.UDPAddr = ""
	cfg.UDPPort = 0
	test.That(t, cfg.Validate("monitor"), test.ShouldBeNil)

	cfg = Config{ReadIntervalSec: 1}
	err = cfg.Validate("monitor")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no devices")

	cfg = DefaultConfig()
	cfg.ADC128D818.I2C.Address = 0x80
	err = cfg.Validate("monitor")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "address")

	cfg = DefaultConfig()
	cfg.INA260.Config.Mode = 0x08
	err = cfg.Validate("monitor")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "mode")
}

func TestConfigMapRoundTrip(t *testing.T) {
	original := DefaultConfig()
	encoded, err := EncodeConfigMap(original)
	test.That(t, err, test.ShouldBeNil)
	// JSON-shaped: numbers arrive as float64
	test.That(t, encoded["udp_port"], test.ShouldEqual, float64(9999))
	test.That(t, encoded["adc128d818"], test.ShouldNotBeNil)

	decoded, err := DecodeConfigMap(encoded)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decoded, test.ShouldResemble, original)
}

func TestDecodeConfigMapUnknownKey(t *testing.T) {
	_, err := DecodeConfigMap(map[string]interface{}{
		"read_interval_s": 1.0,
		"bogus":           true,
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bogus")
}

func TestLoadSaveConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "powermon.config.json")

	cfg := DefaultConfig()
	cfg.PromFile = "metrics.prom"
	test.That(t, SaveConfig(path, cfg), test.ShouldBeNil)

	loaded, err := LoadConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, cfg)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	bad := filepath.Join(dir, "bad.json")
	test.That(t, os.WriteFile(bad, []byte(`{"udp_addr": }`), 0o644), test.ShouldBeNil)
	_, err = LoadConfig(bad)
	test.That(t, err, test.ShouldNotBeNil)

	typo := filepath.Join(dir, "typo.json")
	content := `{
  "read_interval_s": 1,
  "ina260": {"i2c": {"bus": 1, "address": 64}, "config": {"averging": 4}}
}`
	test.That(t, os.WriteFile(typo, []byte(content), 0o644), test.ShouldBeNil)
	_, err = LoadConfig(typo)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "averging")
}
