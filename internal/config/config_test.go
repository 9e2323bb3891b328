package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const validEndpoints = `
endpoints:
  - id: plc1
    url: tcp://10.0.0.5:502
    timeout: 5s
    pool:
      min: 1
      max: 4
`

const validDrivers = `
drivers:
  - id: plc1-modbus
    kind: static
    endpoint_id: plc1
    proto: modbus_tcp
    cfg:
      unit_id: 1
`

const validVariables = `
variables:
  - tag: plc1.temp
    driver_id: plc1-modbus
    device_id: plc1
    access: ro
    address:
      kind: holding_register
      addr: 100
      len: 1
    datatype: float32
    scale: 0.1
    unit: C
`

func writeFiles(t *testing.T, dir string, endpoints, drivers, variables string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "endpoints.yml"), []byte(endpoints), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "drivers.yml"), []byte(drivers), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "variables.yml"), []byte(variables), 0o644))
}

func TestLoad_ValidConfigDecodesAllThreeFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, validEndpoints, validDrivers, validVariables)

	cfg, err := load(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Endpoints, 1)
	require.Equal(t, "plc1", cfg.Endpoints[0].ID)
	require.Equal(t, 5*time.Second, cfg.Endpoints[0].Timeout)
	require.Len(t, cfg.Drivers, 1)
	require.Len(t, cfg.Variables, 1)
	require.Equal(t, "plc1-modbus", cfg.Variables[0].DriverID)
}

func TestLoad_MissingFilesYieldEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	cfg, err := load(dir)
	require.NoError(t, err)
	require.Empty(t, cfg.Endpoints)
}

func TestValidate_RejectsVariableReferencingUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "", "", validVariables)

	_, err := load(dir)
	require.Error(t, err)
}

func TestValidate_RejectsDuplicateEndpointID(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, validEndpoints+`  - id: plc1
    url: tcp://10.0.0.6:502
`, "", "")

	_, err := load(dir)
	require.Error(t, err)
}

func TestNewWatcher_PublishesSnapshotOnValidEdit(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, validEndpoints, validDrivers, validVariables)

	w, err := NewWatcher(dir, nil)
	require.NoError(t, err)
	require.Len(t, w.Current().Endpoints, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	writeFiles(t, dir, validEndpoints+`  - id: plc2
    url: tcp://10.0.0.7:502
`, validDrivers, validVariables)

	select {
	case cfg := <-w.Updates():
		require.Len(t, cfg.Endpoints, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config update")
	}
}

func TestNewWatcher_RejectsInvalidEditKeepsPreviousConfig(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, validEndpoints, validDrivers, validVariables)

	w, err := NewWatcher(dir, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	// variables.yml now references a driver that doesn't exist.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "drivers.yml"), []byte(""), 0o644))

	select {
	case <-w.Updates():
		t.Fatal("an invalid edit must not publish an update")
	case <-time.After(300 * time.Millisecond):
	}
	require.Len(t, w.Current().Endpoints, 1)
	require.Len(t, w.Current().Drivers, 1, "previous valid config must remain current")
}
