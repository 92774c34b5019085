package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adorevd/prreview/internal/daemon"
)

var serverAddr string

// daemonAddr resolves the running daemon's address: an explicit --server
// flag wins, otherwise the runtime discovery file daemon.WriteRuntime left
// behind is checked for a live daemon.
func daemonAddr() (string, error) {
	if serverAddr != "" {
		return serverAddr, nil
	}
	info, err := daemon.ReadRuntime()
	if err != nil {
		return "", fmt.Errorf("daemon not running (no runtime file found): %w", err)
	}
	if !daemon.IsDaemonAlive(info.Addr) {
		return "", fmt.Errorf("daemon not running (stale runtime file at %s)", info.Addr)
	}
	return "http://" + info.Addr, nil
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func apiRequest(method, path string, body any, out any) error {
	addr, err := daemonAddr()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, addr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
