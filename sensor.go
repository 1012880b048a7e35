package pinatatests

import (
	"context"
	"fmt"
	"maps"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var StatusSensor = resource.NewModel("riscure", "pinata", "status-sensor")

func init() {
	resource.RegisterComponent(sensor.API, StatusSensor,
		resource.Registration[sensor.Sensor, *SensorConfig]{
			Constructor: newStatusSensor,
		},
	)
}

// SensorConfig names the device service whose connection is reported.
type SensorConfig struct {
	Device string `json:"device"`
}

func (cfg *SensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Device == "" {
		return nil, nil, fmt.Errorf("%s: device is required", path)
	}
	return []string{deviceServiceName(cfg.Device).String()}, nil, nil
}

// deviceServiceName is the full name Viam resolves a device dependency by.
func deviceServiceName(device string) resource.Name {
	return resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), device)
}

type stateProvider interface {
	GetState() map[string]interface{}
}

type statusSensor struct {
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	name   resource.Name
	logger logging.Logger
	device string
	state  stateProvider
}

func newStatusSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*SensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	res, err := deps.Lookup(deviceServiceName(conf.Device))
	if err != nil {
		return nil, fmt.Errorf("device %q: %w", conf.Device, err)
	}
	provider, ok := res.(stateProvider)
	if !ok {
		return nil, fmt.Errorf("device %q is %T, which reports no connection state", conf.Device, res)
	}

	return &statusSensor{
		name:   rawConf.ResourceName(),
		logger: logger,
		device: conf.Device,
		state:  provider,
	}, nil
}

func (s *statusSensor) Name() resource.Name {
	return s.name
}

// Readings is a copy of the device's state. A closed device service has no
// connection left to describe, so reading it is an error.
func (s *statusSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	state := s.state.GetState()
	if closed, _ := state["closed"].(bool); closed {
		return nil, fmt.Errorf("device %q is closed", s.device)
	}
	return maps.Clone(state), nil
}

func (s *statusSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on status-sensor")
}
