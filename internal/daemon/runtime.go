package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adorevd/prreview/internal/config"
)

// RuntimeInfo is the daemon's discovery record: where the admin CLI finds
// the running daemon without the operator having to hardcode an address.
type RuntimeInfo struct {
	PID  int    `json:"pid"`
	Addr string `json:"addr"`
	Port int    `json:"port"`
}

// RuntimePath is the fixed location of the runtime info file. Unlike a
// per-repo local daemon, prreviewd is a single long-lived process per
// deployment, so one file (not one per PID) is enough.
func RuntimePath() string {
	return filepath.Join(config.DataDir(), "daemon.json")
}

// WriteRuntime persists the daemon's PID/address for the admin CLI.
func WriteRuntime(addr string, port int) error {
	info := RuntimeInfo{PID: os.Getpid(), Addr: addr, Port: port}

	path := RuntimePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadRuntime reads the current daemon's runtime info.
func ReadRuntime() (*RuntimeInfo, error) {
	data, err := os.ReadFile(RuntimePath())
	if err != nil {
		return nil, err
	}
	var info RuntimeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RemoveRuntime deletes the runtime info file.
func RemoveRuntime() {
	os.Remove(RuntimePath())
}

// IsDaemonAlive checks whether a daemon at addr is actually responding, not
// just whether a stale runtime file exists.
func IsDaemonAlive(addr string) bool {
	if addr == "" {
		return false
	}
	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// FindAvailablePort finds an available port starting from startAddr's
// configured port, searching forward if it is already taken.
func FindAvailablePort(startAddr string) (string, int, error) {
	host := "0.0.0.0"
	port := 7473

	if startAddr != "" {
		parts := strings.Split(startAddr, ":")
		if len(parts) == 2 {
			host = parts[0]
			if p, err := strconv.Atoi(parts[1]); err == nil {
				port = p
			}
		}
	}

	for i := 0; i < 100; i++ {
		addr := fmt.Sprintf("%s:%d", host, port+i)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return addr, port + i, nil
		}
	}
	return "", 0, fmt.Errorf("no available port found starting from %d", port)
}
