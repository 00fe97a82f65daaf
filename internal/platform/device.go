package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

var deviceLabels = map[string]string{
	"ios":     "iOS Device",
	"android": "Android Device",
	"darwin":  "macOS Device",
	"windows": "Windows Device",
	"linux":   "Linux Device",
	"js":      "Web Browser",
}

// DeviceName is the label used when the caller does not name the device.
func DeviceName() string {
	return deviceNameFor(runtime.GOOS)
}

func deviceNameFor(goos string) string {
	if label, ok := deviceLabels[goos]; ok {
		return label
	}
	return "Unknown Device"
}

// Info describes this installation to the server. The server treats it as an
// opaque key/value bag.
type Info struct {
	InstallID  string
	AppVersion string
}

func (i Info) Map() map[string]string {
	m := map[string]string{
		"platform": runtime.GOOS,
		"arch":     runtime.GOARCH,
	}
	if i.InstallID != "" {
		m["install_id"] = i.InstallID
	}
	if i.AppVersion != "" {
		m["app_version"] = i.AppVersion
	}
	return m
}

// LoadInstallID returns the install id stored at path, creating one on first
// use.
func LoadInstallID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to read install id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create install id dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write install id: %w", err)
	}
	return id, nil
}
