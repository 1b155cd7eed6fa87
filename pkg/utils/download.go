package utils

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// DownloadOptions configures DownloadFile beyond its required url/filename.
type DownloadOptions struct {
	// Dir is the destination directory; defaults to "./data/downloads".
	Dir string
	// LoggerPrefix tags log lines emitted while fetching, e.g. the channel name.
	LoggerPrefix string
	// Timeout bounds the HTTP request; defaults to 30s.
	Timeout time.Duration
}

// DownloadFile fetches url and writes it under opts.Dir/filename, returning
// the local path on success or "" on any failure (network, status, disk).
// Errors are logged rather than returned so channel adapters can treat a
// failed media download as "no attachment" instead of aborting the message.
func DownloadFile(url, filename string, opts DownloadOptions) string {
	dir := opts.Dir
	if dir == "" {
		dir = filepath.Join("data", "downloads")
	}
	prefix := opts.LoggerPrefix
	if prefix == "" {
		prefix = "download"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.ErrorCF(prefix, "Failed to create download directory", map[string]interface{}{
			"dir": dir, "error": err.Error(),
		})
		return ""
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		logger.ErrorCF(prefix, "Download request failed", map[string]interface{}{
			"url": url, "error": err.Error(),
		})
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.ErrorCF(prefix, "Download returned non-200 status", map[string]interface{}{
			"url": url, "status": resp.StatusCode,
		})
		return ""
	}

	path := filepath.Join(dir, filepath.Base(filename))
	out, err := os.Create(path)
	if err != nil {
		logger.ErrorCF(prefix, "Failed to create local file", map[string]interface{}{
			"path": path, "error": err.Error(),
		})
		return ""
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		logger.ErrorCF(prefix, "Failed to write downloaded content", map[string]interface{}{
			"path": path, "error": err.Error(),
		})
		return ""
	}

	return path
}
