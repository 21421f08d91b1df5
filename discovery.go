// discovery.go
package armer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/samber/lo"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

var DiscoveryModel = resource.NewModel("devrel", "armer", "discovery")

// armServoIDs are the bus ids a factory-configured arm answers on.
var armServoIDs = []int{1, 2, 3, 4, 5, 6}

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newArmDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct{}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	return nil, nil, nil
}

type armDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger
}

func newArmDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	if _, err := resource.NativeConfig[*DiscoveryConfig](conf); err != nil {
		return nil, err
	}
	return &armDiscovery{
		Named:  conf.ResourceName().AsNamed(),
		logger: logger,
	}, nil
}

// DiscoverResources scans serial ports for servo chains and returns an arm config per port
func (dis *armDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting arm discovery")

	allPorts := enumerateSerialPorts()
	candidates := filterCandidatePorts(allPorts)
	dis.logger.Debugf("Filtered %d serial ports to %d candidates", len(allPorts), len(candidates))

	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp"
	}

	var configs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return configs, ctx.Err()
		default:
		}

		missing := dis.pingServos(ctx, portPath)
		if len(missing) == len(armServoIDs) {
			dis.logger.Debugf("No servos detected on %s", portPath)
			continue
		}
		if len(missing) > 0 {
			dis.logger.Warnf("Servos %v did not answer on %s, skipping", missing, portPath)
			continue
		}

		portSuffix := extractPortSuffix(portPath)
		dis.logger.Infof("Discovered arm on %s", portPath)
		configs = append(configs, generateConfig(portPath, portSuffix, findCalibrationFile(moduleDataDir, portSuffix, dis.logger)))
	}

	if len(configs) == 0 {
		dis.logger.Info("No arms discovered")
	}
	return configs, nil
}

// pingServos returns the arm servo ids that did not answer on portPath.
func (dis *armDiscovery) pingServos(ctx context.Context, portPath string) []int {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     portPath,
		BaudRate: 1000000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  500 * time.Millisecond,
	})
	if err != nil {
		dis.logger.Debugf("Failed to open port %s: %v", portPath, err)
		return armServoIDs
	}
	defer bus.Close()

	return lo.Filter(armServoIDs, func(id, _ int) bool {
		_, err := feetech.NewServo(bus, id, &feetech.ModelSTS3215).Ping(ctx)
		return err != nil
	})
}

func generateConfig(portPath, portSuffix, calibrationFile string) resource.Config {
	attrs := map[string]interface{}{
		"port": portPath,
	}
	if calibrationFile != "" {
		attrs["calibration_file"] = calibrationFile
	}
	return resource.Config{
		Name:       "armer-" + portSuffix,
		API:        generic.API,
		Model:      Model,
		Attributes: attrs,
	}
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port looks like a USB serial adapter
func isCandidatePort(port string) bool {
	for _, prefix := range []string{
		"/dev/ttyUSB", "/dev/ttyACM", // Linux
		"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial", // macOS
		"COM", // Windows
	} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	return false
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// findCalibrationFile returns the port-specific calibration file name, then the default one,
// or "" if neither exists in moduleDataDir.
func findCalibrationFile(moduleDataDir, portSuffix string, logger logging.Logger) string {
	for _, name := range []string{portSuffix + "_calibration.json", "armer_calibration.json"} {
		if _, err := os.Stat(filepath.Join(moduleDataDir, name)); err == nil {
			logger.Debugf("Found calibration file: %s", name)
			return name
		}
	}
	logger.Debug("No calibration file found")
	return ""
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}
	return lo.Map(ports, func(port *enumerator.PortDetails, _ int) string { return port.Name })
}
