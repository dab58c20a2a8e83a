package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/dispenser-relay/internal/devicelink"
)

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeTestConfig(t *testing.T, port int) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
site:
  id: test-site
  timezone: UTC
database:
  path: %q
serial:
  path: /dev/null-dispenser
  baud_rate: 9600
api:
  host: 127.0.0.1
  port: %d
logging:
  level: error
  format: text
security:
  rate_limit:
    enabled: false
`, filepath.Join(dir, "state.db"), port)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

// pipeDevice stands in for the serial dispenser.
type pipeDevice struct {
	fromDevice *io.PipeReader // relay reads
	toRelay    *io.PipeWriter // test writes device lines
	fromRelay  *io.PipeReader // test reads commands
	toDevice   *io.PipeWriter // relay writes
}

func newPipeDevice() *pipeDevice {
	d := &pipeDevice{}
	d.fromDevice, d.toRelay = io.Pipe()
	d.fromRelay, d.toDevice = io.Pipe()
	return d
}

func (d *pipeDevice) Read(p []byte) (int, error)  { return d.fromDevice.Read(p) }
func (d *pipeDevice) Write(p []byte) (int, error) { return d.toDevice.Write(p) }
func (d *pipeDevice) Close() error {
	d.fromDevice.Close() //nolint:errcheck // Pipe close never fails
	return d.toDevice.Close()
}

func (d *pipeDevice) opener() devicelink.Option {
	return devicelink.WithOpener(func(string, int) (devicelink.Port, error) { return d, nil })
}

func waitHealthy(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("relay never became healthy")
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("DISPENSER_CONFIG", "")
	if got := (&rootOptions{}).resolveConfigPath(); got != defaultConfigPath {
		t.Errorf("default = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("DISPENSER_CONFIG", "/etc/dispenser/config.yaml")
	if got := (&rootOptions{}).resolveConfigPath(); got != "/etc/dispenser/config.yaml" {
		t.Errorf("env = %q", got)
	}

	if got := (&rootOptions{configPath: "flag.yaml"}).resolveConfigPath(); got != "flag.yaml" {
		t.Errorf("flag = %q, want flag.yaml", got)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "dispenserd "+version) {
		t.Errorf("output = %q", out.String())
	}
}

func TestMigrateCommands(t *testing.T) {
	cfgPath := writeTestConfig(t, 3001)

	execute := func(args ...string) string {
		t.Helper()
		cmd := newRootCommand()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
		if err := cmd.ExecuteContext(context.Background()); err != nil {
			t.Fatalf("%v error: %v", args, err)
		}
		return out.String()
	}

	status := execute("migrate", "status")
	if strings.Count(status, "pending") != 2 {
		t.Errorf("fresh status should list two pending migrations:\n%s", status)
	}

	if out := execute("migrate", "up"); !strings.Contains(out, "migrations applied") {
		t.Errorf("up output = %q", out)
	}
	status = execute("migrate", "status")
	if strings.Contains(status, "pending") || strings.Count(status, "applied") != 2 {
		t.Errorf("status after up:\n%s", status)
	}

	if out := execute("migrate", "down"); !strings.Contains(out, "rolled back 20260301_000100") {
		t.Errorf("down output = %q", out)
	}
	if strings.Count(execute("migrate", "status"), "pending") != 1 {
		t.Error("one migration should be pending after down")
	}
}

// TestRun_SuccessfulStartupAndShutdown drives the whole relay through
// HTTP and a fake serial device.
func TestRun_SuccessfulStartupAndShutdown(t *testing.T) {
	port := freePort(t)
	cfgPath := writeTestConfig(t, port)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	device := newPipeDevice()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfgPath, device.opener()) }()

	waitHealthy(t, base)

	commands := bufio.NewReader(device.fromRelay)
	cmdCh := make(chan string, 1)
	go func() {
		line, _ := commands.ReadString('\n') //nolint:errcheck // Checked via content
		cmdCh <- line
	}()

	resp, err := http.Post(base+"/set-frequency", "application/json", strings.NewReader(`{"minutes": 2}`))
	if err != nil {
		t.Fatalf("set-frequency: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set-frequency status = %d", resp.StatusCode)
	}

	select {
	case line := <-cmdCh:
		if line != "FREQ:120000\n" {
			t.Errorf("device received %q, want FREQ:120000", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("device never received the command")
	}

	if _, err := io.WriteString(device.toRelay, "LOG_OUVERTURE\n"); err != nil {
		t.Fatalf("device write: %v", err)
	}

	var openings []map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for len(openings) == 0 && time.Now().Before(deadline) {
		resp, err := http.Get(base + "/logs-ouvertures")
		if err != nil {
			t.Fatalf("logs-ouvertures: %v", err)
		}
		json.NewDecoder(resp.Body).Decode(&openings) //nolint:errcheck // Retried until populated
		resp.Body.Close()
		time.Sleep(20 * time.Millisecond)
	}
	if len(openings) != 1 || openings[0]["nb_ouv"] != float64(1) {
		t.Errorf("openings = %v", openings)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() returned error on shutdown: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}

// TestRun_DeviceMissing verifies the relay still serves without a device.
func TestRun_DeviceMissing(t *testing.T) {
	port := freePort(t)
	cfgPath := writeTestConfig(t, port)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfgPath) }()

	waitHealthy(t, base)

	resp, err := http.Post(base+"/set-frequency", "application/json", strings.NewReader(`{"minutes": 2}`))
	if err != nil {
		t.Fatalf("set-frequency: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("set-frequency status = %d, want 503", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
