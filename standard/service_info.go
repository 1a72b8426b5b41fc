package standard

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServiceType represents how the node process is running.
type ServiceType string

const (
	ServiceTypeSystemd    ServiceType = "systemd"
	ServiceTypeDocker     ServiceType = "docker"
	ServiceTypeStandalone ServiceType = "standalone"
)

// NodeInfo holds the static runtime facts of a node plus the fields that
// become known once it is online.
type NodeInfo struct {
	InstanceID  string
	Version     string
	Home        string
	StartTime   time.Time
	ServiceType ServiceType
	BinaryPath  string
	User        string
	UID         int

	mu     sync.Mutex
	device string
	port   int
	online bool
}

// AutoDetect creates NodeInfo with auto-detected runtime information. Each
// call gets a fresh instance id.
func AutoDetect(version, home string) *NodeInfo {
	binaryPath, _ := os.Executable()
	if binaryPath != "" {
		if resolved, err := filepath.EvalSymlinks(binaryPath); err == nil {
			binaryPath = resolved
		}
	}

	userName := "unknown"
	uid := 0
	if current, err := user.Current(); err == nil {
		userName = current.Username
		if parsed, err := strconv.Atoi(current.Uid); err == nil {
			uid = parsed
		}
	}

	return &NodeInfo{
		InstanceID:  uuid.NewString(),
		Version:     version,
		Home:        home,
		StartTime:   time.Now().UTC(),
		ServiceType: detectServiceType(),
		BinaryPath:  binaryPath,
		User:        userName,
		UID:         uid,
	}
}

// SetOnline records the node's device id and UDP port once it is running.
func (s *NodeInfo) SetOnline(device string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device, s.port, s.online = device, port, true
}

// SetOffline clears the online flag.
func (s *NodeInfo) SetOffline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = false
}

// GetData converts NodeInfo to component data.
func (s *NodeInfo) GetData() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"instance_id": s.InstanceID,
		"version":     s.Version,
		"home":        s.Home,
		"device_id":   s.device,
		"port":        s.port,
		"online":      s.online,
		"pid":         os.Getpid(),
		"start_time":  s.StartTime.Format("2006-01-02T15:04:05+00:00"),
		"type":        string(s.ServiceType),
		"binary_path": s.BinaryPath,
		"user":        s.User,
		"uid":         s.UID,
	}
}

// detectServiceType determines how the process is running.
func detectServiceType() ServiceType {
	// systemd sets INVOCATION_ID for its units
	if os.Getenv("INVOCATION_ID") != "" {
		return ServiceTypeSystemd
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return ServiceTypeDocker
	}
	if data, err := os.ReadFile("/proc/self/cgroup"); err == nil {
		cgroup := string(data)
		if strings.Contains(cgroup, "docker") || strings.Contains(cgroup, "containerd") {
			return ServiceTypeDocker
		}
	}
	if data, err := os.ReadFile("/proc/1/comm"); err == nil && string(data) == "systemd\n" {
		return ServiceTypeSystemd
	}
	return ServiceTypeStandalone
}
