// Package cli implements the powermon command tree: one-off reads, bus
// scans, the continuous monitor loop, and RTC maintenance, over either a
// kernel I2C bus or an MCP2221A USB bridge.
package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/dsmhw/powermon/buses"
	"github.com/dsmhw/powermon/buses/genericlinux"
	"github.com/dsmhw/powermon/buses/mcp2221"
	"github.com/dsmhw/powermon/devices/adc128d818"
	"github.com/dsmhw/powermon/devices/bmp280"
	"github.com/dsmhw/powermon/devices/ds3231"
	"github.com/dsmhw/powermon/devices/ina260"
	"github.com/dsmhw/powermon/export"
	"github.com/dsmhw/powermon/monitor"
)

const (
	// Global flags.
	flagDebug     = "debug"
	flagBus       = "bus"
	flagUSB       = "usb"
	flagUSBSerial = "usb-serial"
	flagFreqHz    = "freq-hz"

	// read flags.
	flagINA260 = "ina260"
	flagADC128 = "adc128"
	flagBMP280 = "bmp280"
	flagCount  = "count"
	flagDelay  = "delay"
	flagOut    = "out"

	// monitor flags.
	flagConfig = "config"

	// rtc flags.
	flagAddr = "addr"
	flagTime = "time"
)

// defaultConfigFile is where monitor writes the effective config when it was
// started without one, so the next run can start from what actually ran.
const defaultConfigFile = "powermon.config.json"

// NewApp builds the powermon command tree. The logger comes up in Before so
// the debug flag applies to every command.
func NewApp() *cli.App {
	var logger golog.Logger

	return &cli.App{
		Name:  "powermon",
		Usage: "read and monitor I2C power telemetry sensors",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.IntFlag{
				Name:  flagBus,
				Value: 1,
				Usage: "kernel I2C bus number",
			},
			&cli.BoolFlag{
				Name:  flagUSB,
				Usage: "reach the bus through an MCP2221A USB bridge instead of the kernel",
			},
			&cli.StringFlag{
				Name:  flagUSBSerial,
				Usage: "serial number of the USB bridge to open",
			},
			&cli.IntFlag{
				Name:  flagFreqHz,
				Usage: "bus clock for the USB bridge (0 keeps the bridge's setting)",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = golog.NewDebugLogger("powermon")
			} else {
				logger = golog.NewDevelopmentLogger("powermon")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "scan",
				Usage: "probe every 7-bit address on the bus",
				Action: func(c *cli.Context) error {
					return runScan(c, logger)
				},
			},
			{
				Name:  "read",
				Usage: "take one-off readings from the selected devices",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagINA260,
						Usage: "INA260 address (e.g. 0x40)",
					},
					&cli.StringFlag{
						Name:  flagADC128,
						Usage: "ADC128D818 address (e.g. 0x1D)",
					},
					&cli.StringFlag{
						Name:  flagBMP280,
						Usage: "BMP280 address (e.g. 0x76)",
					},
					&cli.IntFlag{
						Name:  flagCount,
						Value: 1,
						Usage: "samples per device",
					},
					&cli.DurationFlag{
						Name:  flagDelay,
						Value: 200 * time.Millisecond,
						Usage: "delay between samples",
					},
					&cli.StringFlag{
						Name:  flagOut,
						Usage: "output file (.json, .csv or .prom); default prints to stdout",
					},
				},
				Action: func(c *cli.Context) error {
					return runRead(c, logger)
				},
			},
			{
				Name:  "monitor",
				Usage: "poll the configured devices continuously and export readings",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagConfig,
						Usage: "monitor configuration file (JSON)",
					},
					&cli.StringFlag{
						Name:  flagOut,
						Usage: "Prometheus textfile to rewrite every tick",
					},
				},
				Action: func(c *cli.Context) error {
					return runMonitor(c, logger)
				},
			},
			{
				Name:  "rtc",
				Usage: "read or set the DS3231 real-time clock",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagAddr,
						Value: "0x68",
						Usage: "DS3231 address",
					},
				},
				Subcommands: []*cli.Command{
					{
						Name:  "read",
						Usage: "print the RTC's time and temperature",
						Action: func(c *cli.Context) error {
							return runRTCRead(c, logger)
						},
					},
					{
						Name:  "set",
						Usage: "set the RTC from an RFC3339 time",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     flagTime,
								Required: true,
								Usage:    "time to write, e.g. 2026-08-25T14:30:45Z",
							},
						},
						Action: func(c *cli.Context) error {
							t, err := time.Parse(time.RFC3339, c.String(flagTime))
							if err != nil {
								return errors.Wrap(err, "error parsing time flag")
							}
							return runRTCSet(c, logger, t)
						},
					},
					{
						Name:  "now",
						Usage: "set the RTC from this machine's clock",
						Action: func(c *cli.Context) error {
							return runRTCSet(c, logger, time.Now())
						},
					},
				},
			},
		},
	}
}

// openBus returns the transport selected by the global flags plus a closer
// for it. Kernel buses open lazily per device handle, so their closer is a
// no-op; the USB bridge is a real device that must be released.
func openBus(c *cli.Context, logger golog.Logger) (buses.I2C, func() error, error) {
	if c.Bool(flagUSB) {
		bridge, err := mcp2221.NewBridge(mcp2221.Options{
			Serial: c.String(flagUSBSerial),
			FreqHz: c.Int(flagFreqHz),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return bridge, bridge.Close, nil
	}
	return genericlinux.NewBus(c.Int(flagBus)), func() error { return nil }, nil
}

// busOpener adapts the global flags to the monitor's by-number capability.
// With the USB bridge there is only one bus, whatever number the config
// asks for.
func busOpener(c *cli.Context, logger golog.Logger) (monitor.BusOpener, func() error, error) {
	if c.Bool(flagUSB) {
		bridge, err := mcp2221.NewBridge(mcp2221.Options{
			Serial: c.String(flagUSBSerial),
			FreqHz: c.Int(flagFreqHz),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return func(int) (buses.I2C, error) { return bridge, nil }, bridge.Close, nil
	}
	return func(number int) (buses.I2C, error) {
		return genericlinux.NewBus(number), nil
	}, func() error { return nil }, nil
}

// parseAddr accepts decimal or 0x-prefixed device addresses.
func parseAddr(s string) (int, error) {
	addr, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "cannot parse device address %q", s)
	}
	return int(addr), nil
}

func runScan(c *cli.Context, logger golog.Logger) error {
	bus, closeBus, err := openBus(c, logger)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(closeBus())
	}()

	addrs, err := buses.Scan(c.Context, bus, logger)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		fmt.Fprintf(c.App.Writer, "0x%02X\n", addr)
	}
	fmt.Fprintf(c.App.Writer, "%d device(s) found\n", len(addrs))
	return nil
}

func runRead(c *cli.Context, logger golog.Logger) error {
	bus, closeBus, err := openBus(c, logger)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(closeBus())
	}()

	busNumber := c.Int(flagBus)
	count := c.Int(flagCount)
	delay := c.Duration(flagDelay)
	start := time.Now()
	var rows []map[string]interface{}

	sample := func(name string, readings func(context.Context) (map[string]interface{}, error)) error {
		for i := 0; i < count; i++ {
			if i > 0 && !goutils.SelectContextOrWait(c.Context, delay) {
				return c.Context.Err()
			}
			values, err := readings(c.Context)
			if err != nil {
				return err
			}
			row := map[string]interface{}{"t": time.Since(start).Seconds()}
			for k, v := range values {
				if export.IsRawKey(k) {
					continue
				}
				row[name+"_"+k] = v
			}
			rows = append(rows, row)
		}
		return nil
	}

	if s := c.String(flagINA260); s != "" {
		addr, err := parseAddr(s)
		if err != nil {
			return err
		}
		// fastest conversions, no averaging: a diagnostic read should not wait
		dev, err := ina260.New(c.Context, bus, buses.Config{Bus: busNumber, Address: addr},
			ina260.Config{Mode: ina260.ModeContinuous}, logger)
		if err != nil {
			return err
		}
		err = sample("ina260", dev.Readings)
		if err := multierr.Combine(err, dev.Close()); err != nil {
			return err
		}
	}
	if s := c.String(flagADC128); s != "" {
		addr, err := parseAddr(s)
		if err != nil {
			return err
		}
		dev, err := adc128d818.New(c.Context, bus, buses.Config{Bus: busNumber, Address: addr},
			adc128d818.Config{Start: true, Continuous: true}, logger)
		if err != nil {
			return err
		}
		err = sample("adc128d818", dev.Readings)
		if err := multierr.Combine(err, dev.Close()); err != nil {
			return err
		}
	}
	if s := c.String(flagBMP280); s != "" {
		addr, err := parseAddr(s)
		if err != nil {
			return err
		}
		dev, err := bmp280.New(c.Context, bus, buses.Config{Bus: busNumber, Address: addr},
			bmp280.Config{}, logger)
		if err != nil {
			return err
		}
		err = sample("bmp280", dev.Readings)
		if err := multierr.Combine(err, dev.Close()); err != nil {
			return err
		}
	}
	if len(rows) == 0 {
		return errors.New("no devices selected; pass at least one of --ina260, --adc128, --bmp280")
	}

	if out := c.String(flagOut); out != "" {
		if len(rows) == 1 {
			return export.WriteAuto(out, rows[0])
		}
		return export.WriteAuto(out, rows)
	}
	for _, row := range rows {
		printRow(c.App.Writer, row)
	}
	return nil
}

func printRow(w io.Writer, row map[string]interface{}) {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %v\n", k, row[k])
	}
	fmt.Fprintln(w)
}

func runMonitor(c *cli.Context, logger golog.Logger) error {
	cfg := monitor.DefaultConfig()
	configPath := c.String(flagConfig)
	if configPath != "" {
		var err error
		cfg, err = monitor.LoadConfig(configPath)
		if err != nil {
			return err
		}
	} else {
		logger.Warnf("no config file specified, using defaults; writing %s on exit", defaultConfigFile)
	}
	if out := c.String(flagOut); out != "" {
		cfg.PromFile = out
	}

	opener, closeBus, err := busOpener(c, logger)
	if err != nil {
		return err
	}
	m, err := monitor.New(c.Context, opener, cfg, logger)
	if err != nil {
		return multierr.Combine(err, closeBus())
	}

	err = m.Run(c.Context)
	err = multierr.Combine(err, m.Close(), closeBus())
	if configPath == "" {
		err = multierr.Combine(err, monitor.SaveConfig(defaultConfigFile, cfg))
	}
	return err
}

func openRTC(c *cli.Context, logger golog.Logger) (*ds3231.DS3231, func() error, error) {
	bus, closeBus, err := openBus(c, logger)
	if err != nil {
		return nil, nil, err
	}
	addr, err := parseAddr(c.String(flagAddr))
	if err != nil {
		return nil, nil, multierr.Combine(err, closeBus())
	}
	dev, err := ds3231.New(c.Context, bus, buses.Config{Bus: c.Int(flagBus), Address: addr}, logger)
	if err != nil {
		return nil, nil, multierr.Combine(err, closeBus())
	}
	return dev, func() error {
		return multierr.Combine(dev.Close(), closeBus())
	}, nil
}

func runRTCRead(c *cli.Context, logger golog.Logger) error {
	dev, closeDev, err := openRTC(c, logger)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(closeDev())
	}()

	now, err := dev.ReadTime(c.Context)
	if err != nil {
		return err
	}
	temp, err := dev.Temperature(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\n", now.Format(time.RFC3339))
	fmt.Fprintf(c.App.Writer, "%.2f C\n", temp)
	return nil
}

func runRTCSet(c *cli.Context, logger golog.Logger, t time.Time) error {
	dev, closeDev, err := openRTC(c, logger)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(closeDev())
	}()

	if err := dev.SetTime(c.Context, t); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "clock set to %s\n", t.Format(time.RFC3339))
	return nil
}
