package export

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	err := WriteJSON(path, map[string]interface{}{"b": 2, "a": 1.5})
	test.That(t, err, test.ShouldBeNil)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "{\n  \"a\": 1.5,\n  \"b\": 2\n}\n")
}

func TestWriteCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	rows := []map[string]interface{}{
		{"a": 1, "b": "x"},
		{"b": "y", "c": 2.5},
	}
	err := WriteCSV(path, rows)
	test.That(t, err, test.ShouldBeNil)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "a,b,c\n1,x,\n,y,2.5\n")
}

func TestWriteCSVEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	err := WriteCSV(path, nil)
	test.That(t, err, test.ShouldBeNil)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, data, test.ShouldHaveLength, 0)
}

func TestWriteProm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.prom")
	ts := time.Unix(1756134645, 0)
	values := map[string]interface{}{
		"ch0":   0.159375,
		"count": 3,
		"ok":    true,
		"time":  "2026-08-25T14:30:45Z",
	}
	err := WriteProm(path, "dsm_pm_", values, ts)
	test.That(t, err, test.ShouldBeNil)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	text := string(data)
	test.That(t, text, test.ShouldContainSubstring, "# TYPE dsm_pm_ch0 gauge\n")
	test.That(t, text, test.ShouldContainSubstring, "dsm_pm_ch0 0.159375 1756134645000\n")
	test.That(t, text, test.ShouldContainSubstring, "dsm_pm_count 3 1756134645000\n")
	test.That(t, text, test.ShouldContainSubstring, "dsm_pm_ok 1 1756134645000\n")
	test.That(t, text, test.ShouldContainSubstring,
		`dsm_pm_time{value="2026-08-25T14:30:45Z"} 1 1756134645000`)
	test.That(t, text, test.ShouldContainSubstring,
		"dsm_pm_timestamp_ 1.756134645e+09 1756134645000\n")

	// Families come out of the gather sorted by name.
	test.That(t, strings.Index(text, "dsm_pm_ch0"),
		test.ShouldBeLessThan, strings.Index(text, "dsm_pm_count"))

	// The temp file must be gone after the rename.
	_, err = os.Stat(path + ".tmp")
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestWritePromSkipsUnconvertible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.prom")
	values := map[string]interface{}{
		"good": 1.0,
		"bad":  []int{1, 2},
	}
	err := WriteProm(path, "p_", values, time.Unix(10, 0))
	test.That(t, err, test.ShouldBeNil)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, "p_good")
	test.That(t, string(data), test.ShouldNotContainSubstring, "p_bad")
}

func TestIsRawKey(t *testing.T) {
	test.That(t, IsRawKey("raw_ch0"), test.ShouldBeTrue)
	test.That(t, IsRawKey("raw_bus"), test.ShouldBeTrue)
	test.That(t, IsRawKey("pressure_raw"), test.ShouldBeTrue)
	test.That(t, IsRawKey("ch0"), test.ShouldBeFalse)
	test.That(t, IsRawKey("bus_voltage_v"), test.ShouldBeFalse)
}

func TestSanitizeMetricName(t *testing.T) {
	test.That(t, sanitizeMetricName("bus_voltage_v"), test.ShouldEqual, "bus_voltage_v")
	test.That(t, sanitizeMetricName("bad key-1!"), test.ShouldEqual, "bad_key_1_")
	test.That(t, sanitizeMetricName("9lives"), test.ShouldEqual, "_lives")
}

func TestWriteAuto(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "snap.json")
	err := WriteAuto(jsonPath, map[string]interface{}{"a": 1})
	test.That(t, err, test.ShouldBeNil)
	data, err := os.ReadFile(jsonPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, "\"a\": 1")

	csvPath := filepath.Join(dir, "snap.csv")
	err = WriteAuto(csvPath, map[string]interface{}{"a": 1})
	test.That(t, err, test.ShouldBeNil)
	data, err = os.ReadFile(csvPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "a\n1\n")

	promPath := filepath.Join(dir, "snap.prom")
	err = WriteAuto(promPath, []map[string]interface{}{{"a": 1.0}})
	test.That(t, err, test.ShouldBeNil)
	data, err = os.ReadFile(promPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, "# TYPE a gauge")
	test.That(t, string(data), test.ShouldContainSubstring, "timestamp_")

	err = WriteAuto(promPath, []map[string]interface{}{{"a": 1.0}, {"a": 2.0}})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "single flat mapping")
}

func TestUDPSender(t *testing.T) {
	listener, err := net.ListenPacket("udp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	sender, err := NewUDPSender("127.0.0.1", port)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sender.Addr(), test.ShouldContainSubstring, strconv.Itoa(port))

	err = sender.Send("1756134645, 0.1594, 11.9963")
	test.That(t, err, test.ShouldBeNil)

	test.That(t, listener.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	buf := make([]byte, 1024)
	n, _, err := listener.ReadFrom(buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(buf[:n]), test.ShouldEqual, "1756134645, 0.1594, 11.9963")

	test.That(t, sender.Close(), test.ShouldBeNil)
}
