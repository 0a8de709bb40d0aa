// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package spaced

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/spacestore/space"
)

func freeAddr(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func writeConfFile(t *testing.T, dir string, metricsAddr string) (confFile string) {
	confFile = filepath.Join(dir, "spaced.conf")
	contents := fmt.Sprintf(`[Space]
Name:        daemontest
Directory:   %s
MetricsAddr: %s

[ArcCache]
Capacity: 16

[Logging]
LogToConsole: false
`, filepath.Join(dir, "space"), metricsAddr)

	require.NoError(t, os.WriteFile(confFile, []byte(contents), 0644))
	return
}

// seed writes count entries through a space opened outside the daemon.
func seed(t *testing.T, dir string, count int) {
	config := space.DefaultConfig()
	config.Name = "daemontest"
	config.Directory = filepath.Join(dir, "space")

	sp, err := space.Open(config)
	require.NoError(t, err)
	for n := 0; n < count; n++ {
		_, err = sp.Write(nil, &space.Entry{Type: "job", Fields: map[string]string{"n": fmt.Sprint(n)}}, 0)
		require.NoError(t, err)
	}
	require.NoError(t, sp.Close())
}

func TestDaemon(t *testing.T) {
	assert := assert.New(t)
	dir := t.TempDir()
	metricsAddr := freeAddr(t)
	confFile := writeConfFile(t, dir, metricsAddr)

	seed(t, dir, 3)

	var wg sync.WaitGroup
	errChan := make(chan error, 1) // Must be buffered to avoid race

	go Daemon(confFile, []string{"Space.Zone=2"}, errChan, &wg, []string{"spaced", "run", confFile}, unix.SIGHUP, unix.SIGTERM)

	err := <-errChan
	require.NoError(t, err)

	response, err := http.Get("http://" + metricsAddr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	require.NoError(t, err)

	assert.Equal(http.StatusOK, response.StatusCode)
	assert.Contains(string(body), `spacestore_space_replayed_total{group="daemontest"}`)
	assert.Contains(string(body), "go_goroutines")

	// SIGHUP reloads and must leave the daemon running
	require.NoError(t, unix.Kill(unix.Getpid(), unix.SIGHUP))
	select {
	case err = <-errChan:
		t.Fatalf("Daemon() exited after SIGHUP: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	// Send ourself a SIGTERM to signal normal termination
	require.NoError(t, unix.Kill(unix.Getpid(), unix.SIGTERM))

	err = <-errChan
	assert.NoError(err)
	wg.Wait()

	_, err = http.Get("http://" + metricsAddr + "/metrics")
	assert.Error(err)

	var stats bytes.Buffer
	require.NoError(t, Stats(confFile, nil, &stats))
	assert.Contains(stats.String(), "space daemontest: 3 entries")
	assert.Contains(stats.String(), "daemontest")
}

func TestDaemonBadConfig(t *testing.T) {
	dir := t.TempDir()
	confFile := writeConfFile(t, dir, freeAddr(t))

	var wg sync.WaitGroup
	errChan := make(chan error, 1)

	go Daemon(confFile, []string{"Space.BackingStore=floppy"}, errChan, &wg, nil, unix.SIGTERM)

	assert.Error(t, <-errChan)

	go Daemon(filepath.Join(dir, "missing.conf"), nil, errChan, &wg, nil, unix.SIGTERM)

	assert.Error(t, <-errChan)
}
