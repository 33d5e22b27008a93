package integration_tests

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/foundriesio/fwota/internal/sysinfo"
	"github.com/foundriesio/fwota/pkg/api"
	"github.com/foundriesio/fwota/pkg/client"
	cfg "github.com/foundriesio/fwota/pkg/config"
	"github.com/foundriesio/fwota/pkg/ota"
)

const (
	testUser     = "admin"
	testPassword = "integration"
)

type testOptions struct {
	partitionCapacity int
	memoryLimit       int
	formatOnMount     bool
	stagingIsFile     bool
}

type testOption func(*testOptions)

func withPartitionCapacity(n int) testOption {
	return func(o *testOptions) { o.partitionCapacity = n }
}

func withMemoryLimit(n int) testOption {
	return func(o *testOptions) { o.memoryLimit = n }
}

// withBrokenStaging makes the staging volume unusable so unknown size
// uploads fall back to memory
func withBrokenStaging() testOption {
	return func(o *testOptions) {
		o.stagingIsFile = true
		o.formatOnMount = false
	}
}

func createMockConfig(t *testing.T, tempDir string, opts *testOptions) *cfg.Config {
	if tempDir == "" {
		t.Fatal("tempDir not set")
	}
	stagingPath := filepath.Join(tempDir, "staging")
	if opts.stagingIsFile {
		if err := os.WriteFile(stagingPath, []byte("not a volume"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	formatOnMount := "0"
	if opts.formatOnMount {
		formatOnMount = "1"
	}
	sota := fmt.Sprintf(`
[server]
listen = "127.0.0.1:0"
user = "%s"
password = "%s"

[partition]
path = "%s/partition"
capacity = "%d"

[staging]
path = "%s"
memory_limit = "%d"
block_size = "512"
format_on_mount_failure = "%s"

[upload]
chunk_size = "1024"

[restart]
delay_ms = "0"
command = "true"

[storage]
path = "%s"
	`, testUser, testPassword, tempDir, opts.partitionCapacity, stagingPath, opts.memoryLimit,
		formatOnMount, tempDir)
	if err := os.WriteFile(filepath.Join(tempDir, "sota.toml"), []byte(sota), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := cfg.NewConfig([]string{tempDir})
	if err != nil {
		t.Fatalf("Unable to create config: %v", err)
	}
	return config
}

func checkErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type integrationTest struct {
	t        *testing.T
	tempDir  string
	config   *cfg.Config
	ctx      context.Context
	engine   *api.Engine
	client   *client.DeviceClient
	restarts atomic.Int32
}

func newIntegrationTest(t *testing.T, options ...testOption) *integrationTest {
	opts := &testOptions{
		partitionCapacity: 1024 * 1024,
		memoryLimit:       64 * 1024,
		formatOnMount:     true,
	}
	for _, o := range options {
		o(opts)
	}
	tempDir := t.TempDir()
	it := &integrationTest{
		t:       t,
		tempDir: tempDir,
		config:  createMockConfig(t, tempDir, opts),
		ctx:     context.Background(),
	}

	engine, err := api.NewEngine(it.config,
		api.WithRestarter(ota.RestarterFunc(func() error {
			it.restarts.Add(1)
			return nil
		})),
		api.WithDevice(sysinfo.Info{Hostname: "integration", OSName: "Test OS", OSVersion: "1.0"}))
	checkErr(t, err)
	it.engine = engine

	srv := httptest.NewServer(engine.Handler())
	t.Cleanup(srv.Close)
	it.client, err = client.NewDeviceClient(srv.URL, testUser, testPassword)
	checkErr(t, err)
	return it
}

func (it *integrationTest) writeFirmware(name string, size int, seed byte) (string, []byte) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i) ^ seed
	}
	path := filepath.Join(it.tempDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		it.t.Fatalf("Failed to write firmware %s: %v", path, err)
	}
	return path, data
}

func (it *integrationTest) checkInstalled(data []byte) {
	it.t.Helper()
	slot := it.engine.Partition.BootSlot()
	b, err := os.ReadFile(it.engine.Partition.ImagePath(slot))
	checkErr(it.t, err)
	if !bytes.Equal(b, data) {
		it.t.Fatalf("Image in slot %s does not match the uploaded firmware", slot)
	}
}
