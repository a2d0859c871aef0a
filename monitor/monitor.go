// Package monitor composes the configured devices into one polled telemetry
// source. Every tick it reads all of them, pushes one line over UDP for the
// fleet listener, and optionally rewrites a Prometheus textfile for the node
// exporter to pick up.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/dsmhw/powermon/buses"
	"github.com/dsmhw/powermon/devices/adc128d818"
	"github.com/dsmhw/powermon/devices/bmp280"
	"github.com/dsmhw/powermon/devices/ds3231"
	"github.com/dsmhw/powermon/devices/ina260"
	"github.com/dsmhw/powermon/export"
)

// promPrefix namespaces every series the monitor writes.
const promPrefix = "dsm_pm_"

// timestampKey is reserved in every snapshot; no device may use it.
const timestampKey = "_timestamp_"

// deviceOrder fixes the column order of the UDP line.
var deviceOrder = []string{"adc128d818", "ina260", "bmp280", "ds3231"}

// BusOpener returns a ready transport for a kernel bus number. The monitor
// opens each number once and shares the result between devices on it, so a
// USB bridge opener can ignore the number entirely.
type BusOpener func(number int) (buses.I2C, error)

type device struct {
	name     string
	readings func(ctx context.Context) (map[string]interface{}, error)
	close    func() error
}

// Monitor owns the configured devices and the export paths. It is not safe
// for concurrent use; Run serializes everything on the scheduler.
type Monitor struct {
	cfg     Config
	logger  golog.Logger
	clock   clock.Clock
	devices []device
	udp     *export.UDPSender
}

// New validates cfg and brings up every configured device. Devices sharing
// a bus number share one transport from openBus. On any setup failure the
// devices already opened are closed again.
func New(ctx context.Context, openBus BusOpener, cfg Config, logger golog.Logger) (*Monitor, error) {
	if err := cfg.Validate("monitor"); err != nil {
		return nil, err
	}
	m := &Monitor{cfg: cfg, logger: logger, clock: clock.New()}

	opened := map[int]buses.I2C{}
	bus := func(number int) (buses.I2C, error) {
		if b, ok := opened[number]; ok {
			return b, nil
		}
		b, err := openBus(number)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot open bus %d", number)
		}
		opened[number] = b
		return b, nil
	}

	if err := m.setup(ctx, bus); err != nil {
		return nil, multierr.Combine(err, m.Close())
	}
	return m, nil
}

func (m *Monitor) setup(ctx context.Context, bus BusOpener) error {
	if s := m.cfg.ADC128D818; s != nil {
		b, err := bus(s.I2C.Bus)
		if err != nil {
			return err
		}
		d, err := adc128d818.New(ctx, b, s.I2C, s.Config, m.logger)
		if err != nil {
			return errors.Wrap(err, "adc128d818")
		}
		m.devices = append(m.devices, device{"adc128d818", d.Readings, d.Close})
	}
	if s := m.cfg.INA260; s != nil {
		b, err := bus(s.I2C.Bus)
		if err != nil {
			return err
		}
		d, err := ina260.New(ctx, b, s.I2C, s.Config, m.logger)
		if err != nil {
			return errors.Wrap(err, "ina260")
		}
		m.devices = append(m.devices, device{"ina260", d.Readings, d.Close})
	}
	if s := m.cfg.BMP280; s != nil {
		b, err := bus(s.I2C.Bus)
		if err != nil {
			return err
		}
		d, err := bmp280.New(ctx, b, s.I2C, s.Config, m.logger)
		if err != nil {
			return errors.Wrap(err, "bmp280")
		}
		m.devices = append(m.devices, device{"bmp280", d.Readings, d.Close})
	}
	if c := m.cfg.DS3231; c != nil {
		b, err := bus(c.Bus)
		if err != nil {
			return err
		}
		d, err := ds3231.New(ctx, b, *c, m.logger)
		if err != nil {
			return errors.Wrap(err, "ds3231")
		}
		m.devices = append(m.devices, device{"ds3231", d.Readings, d.Close})
	}
	if m.cfg.UDPAddr != "" {
		udp, err := export.NewUDPSender(m.cfg.UDPAddr, m.cfg.UDPPort)
		if err != nil {
			return err
		}
		m.udp = udp
		m.logger.Infof("sending readings to udp://%s", udp.Addr())
	}
	return nil
}

// ReadAll polls every configured device once and returns the composite
// snapshot: the reserved _timestamp_ key (epoch seconds) plus one nested
// map per device. The first device error aborts the whole snapshot; a
// partial one would silently shift the UDP line's columns.
func (m *Monitor) ReadAll(ctx context.Context) (map[string]interface{}, error) {
	snapshot := map[string]interface{}{
		timestampKey: m.clock.Now().Unix(),
	}
	for _, dev := range m.devices {
		readings, err := dev.readings(ctx)
		if err != nil {
			return nil, errors.Wrap(err, dev.name)
		}
		snapshot[dev.name] = readings
	}
	return snapshot, nil
}

// Run polls at the configured interval until ctx is canceled. A failed tick
// is logged and the loop keeps going; the singleton job reschedules instead
// of stacking up ticks when a read overruns the interval.
func (m *Monitor) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	interval := time.Duration(m.cfg.ReadIntervalSec * float64(time.Second))
	if _, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { m.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		return multierr.Combine(err, scheduler.Shutdown())
	}
	m.logger.Infof("polling %d device(s) every %s", len(m.devices), interval)
	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}

func (m *Monitor) tick(ctx context.Context) {
	snapshot, err := m.ReadAll(ctx)
	if err != nil {
		m.logger.Errorw("read failed", "error", err)
		return
	}
	line := formatUDPLine(snapshot)
	m.logger.Debug(line)
	if m.udp != nil {
		if err := m.udp.Send(line); err != nil {
			m.logger.Errorw("UDP send failed", "error", err)
		}
	}
	if m.cfg.PromFile != "" {
		ts := time.Unix(timestampOf(snapshot), 0)
		if err := export.WriteProm(m.cfg.PromFile, promPrefix, promValues(snapshot), ts); err != nil {
			m.logger.Errorw("prometheus write failed", "error", err, "path", m.cfg.PromFile)
		}
	}
}

// Close releases every device and the UDP socket.
func (m *Monitor) Close() error {
	var err error
	for _, dev := range m.devices {
		err = multierr.Combine(err, dev.close())
	}
	if m.udp != nil {
		err = multierr.Combine(err, m.udp.Close())
	}
	return err
}

// formatUDPLine renders a snapshot in the fleet listener's line format:
// epoch seconds, then every non-raw numeric reading as ", %.4f". Devices
// appear in fixed order with keys sorted within each device, so a given
// config always produces the same columns.
func formatUDPLine(snapshot map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", timestampOf(snapshot))
	for _, name := range deviceOrder {
		readings, ok := snapshot[name].(map[string]interface{})
		if !ok {
			continue
		}
		for _, k := range sortedKeys(readings) {
			if export.IsRawKey(k) {
				continue
			}
			if f, ok := export.ToFloat64(readings[k]); ok {
				fmt.Fprintf(&b, ", %.4f", f)
			}
		}
	}
	return b.String()
}

// promValues flattens a snapshot for the textfile collector, qualifying
// each key with its device name so same-named readings cannot collide.
func promValues(snapshot map[string]interface{}) map[string]interface{} {
	values := map[string]interface{}{}
	for _, name := range deviceOrder {
		readings, ok := snapshot[name].(map[string]interface{})
		if !ok {
			continue
		}
		for k, v := range readings {
			if export.IsRawKey(k) {
				continue
			}
			values[name+"_"+k] = v
		}
	}
	return values
}

func timestampOf(snapshot map[string]interface{}) int64 {
	ts, _ := snapshot[timestampKey].(int64)
	return ts
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
