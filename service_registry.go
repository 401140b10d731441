package sockbridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sockbridge/golang/internal/jsoncodec"
)

const (
	RegistryFileName = "sockbridge_services.json"
	// RegistryPathEnv overrides the registry file location
	RegistryPathEnv  = "SOCKBRIDGE_REGISTRY_PATH"
	DiscoveryTimeout = 5 * time.Second

	discoveryPollInterval = 100 * time.Millisecond
)

// ServiceInfo holds service registration data
type ServiceInfo struct {
	Addr      string    `json:"addr"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
}

// registryMu serialises read-modify-write cycles of the registry file within
// this process
var registryMu sync.Mutex

// getRegistryPath returns the path to the registry file
func getRegistryPath() string {
	if path := os.Getenv(RegistryPathEnv); path != "" {
		return path
	}
	return filepath.Join(os.TempDir(), RegistryFileName)
}

// loadRegistry reads the registry from disk. A missing file is an empty
// registry.
func loadRegistry(path string) (map[string]ServiceInfo, error) {
	services := make(map[string]ServiceInfo)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return services, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return services, nil
	}
	if err := jsoncodec.Unmarshal(data, &services); err != nil {
		return nil, fmt.Errorf("corrupt registry %s: %w", path, err)
	}
	return services, nil
}

// saveRegistry writes the registry through a temp file and rename so readers
// never see a partial file
func saveRegistry(path string, services map[string]ServiceInfo) error {
	data, err := jsoncodec.MarshalIndent(services, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func updateRegistry(fn func(services map[string]ServiceInfo)) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	path := getRegistryPath()
	services, err := loadRegistry(path)
	if err != nil {
		return err
	}
	fn(services)
	return saveRegistry(path, services)
}

// Register records serviceID as served by this process at addr
func Register(serviceID, addr string) error {
	if serviceID == "" {
		return errors.New("service id is required")
	}
	return updateRegistry(func(services map[string]ServiceInfo) {
		services[serviceID] = ServiceInfo{
			Addr:      addr,
			PID:       os.Getpid(),
			StartTime: time.Now(),
		}
	})
}

// Unregister removes a service from the registry
func Unregister(serviceID string) error {
	return updateRegistry(func(services map[string]ServiceInfo) {
		delete(services, serviceID)
	})
}

// Discover finds a service by ID and returns its socket address. It polls
// until timeout, dropping entries whose process is gone.
func Discover(serviceID string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DiscoveryTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		registryMu.Lock()
		services, err := loadRegistry(getRegistryPath())
		registryMu.Unlock()

		if err == nil {
			if info, exists := services[serviceID]; exists {
				if isProcessAlive(info.PID) {
					return info.Addr, nil
				}
				// Process dead, clean up
				_ = updateRegistry(func(services map[string]ServiceInfo) {
					if current, ok := services[serviceID]; ok && current.PID == info.PID {
						delete(services, serviceID)
					}
				})
			}
		}

		if time.Now().Add(discoveryPollInterval).After(deadline) {
			return "", fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)
		}
		time.Sleep(discoveryPollInterval)
	}
}

// isProcessAlive checks if a process with the given PID is running
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence; EPERM means it exists under another user
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// ListServices returns all registered services
func ListServices() (map[string]ServiceInfo, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	return loadRegistry(getRegistryPath())
}

// ClearRegistry removes all services from the registry
func ClearRegistry() error {
	registryMu.Lock()
	defer registryMu.Unlock()
	return saveRegistry(getRegistryPath(), make(map[string]ServiceInfo))
}

// GetRegistryPath returns the current registry file path (for debugging)
func GetRegistryPath() string {
	return getRegistryPath()
}
