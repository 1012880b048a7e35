package pinatatests

import (
	"context"
	"strings"
	"testing"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/testutils/inject"
)

type mockStateProvider struct {
	state map[string]interface{}
}

func (m *mockStateProvider) GetState() map[string]interface{} {
	return m.state
}

func TestSensorConfig(t *testing.T) {
	t.Run("requires device", func(t *testing.T) {
		cfg := &SensorConfig{}
		_, _, err := cfg.Validate("test")
		if err == nil {
			t.Error("expected error for missing device")
		}
	})

	t.Run("valid config returns device as generic service dependency", func(t *testing.T) {
		cfg := &SensorConfig{Device: "my-pinata"}
		deps, _, err := cfg.Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		want := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "my-pinata").String()
		if len(deps) != 1 || deps[0] != want {
			t.Errorf("expected [%s], got %v", want, deps)
		}
	})
}

func TestSensor_GetReadings_ReturnsDeviceState(t *testing.T) {
	logger := logging.NewTestLogger(t)
	name := resource.NewName(sensor.API, "test-sensor")

	expectedState := map[string]interface{}{
		"connected":     true,
		"revision":      "pinata-sim 1.0",
		"command_count": 5,
		"last_command":  "encrypt_aes",
	}

	mock := &mockStateProvider{state: expectedState}
	s := &statusSensor{
		name:   name,
		logger: logger,
		device: "my-pinata",
		state:  mock,
	}

	readings, err := s.Readings(context.Background(), nil)
	if err != nil {
		t.Fatalf("Readings failed: %v", err)
	}

	for k, v := range expectedState {
		if readings[k] != v {
			t.Errorf("%s: expected %v, got %v", k, v, readings[k])
		}
	}

	readings["connected"] = false
	if mock.state["connected"] != true {
		t.Error("changing readings must not change the device state")
	}

	if _, err := s.DoCommand(context.Background(), nil); err == nil {
		t.Error("expected DoCommand to be unsupported")
	}
}

func TestSensor_GetReadings_FailsOnClosedDevice(t *testing.T) {
	s := &statusSensor{
		name:   resource.NewName(sensor.API, "test-sensor"),
		logger: logging.NewTestLogger(t),
		device: "my-pinata",
		state:  &mockStateProvider{state: map[string]interface{}{"closed": true, "connected": false}},
	}

	_, err := s.Readings(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "my-pinata") {
		t.Errorf("Readings error = %v, want a closed-device error naming my-pinata", err)
	}
}

func TestStatusSensor_Constructor(t *testing.T) {
	deviceName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "test-device")
	rawConf := func() resource.Config {
		return resource.Config{
			Name:                "test-sensor",
			API:                 sensor.API,
			Model:               StatusSensor,
			ConvertedAttributes: &SensorConfig{Device: "test-device"},
		}
	}

	t.Run("fails if device not found", func(t *testing.T) {
		_, err := newStatusSensor(context.Background(), resource.Dependencies{}, rawConf(), logging.NewTestLogger(t))
		if err == nil {
			t.Error("expected error when device not found")
		}
	})

	t.Run("fails if dependency has no state", func(t *testing.T) {
		deps := resource.Dependencies{deviceName: inject.NewSensor("not-a-device")}
		_, err := newStatusSensor(context.Background(), deps, rawConf(), logging.NewTestLogger(t))
		if err == nil {
			t.Error("expected error when dependency does not implement GetState")
		}
	})

	t.Run("readings match the device state", func(t *testing.T) {
		dev, _, _ := testDevice(t)
		deps := resource.Dependencies{deviceName: dev}

		s, err := newStatusSensor(context.Background(), deps, rawConf(), logging.NewTestLogger(t))
		if err != nil {
			t.Fatalf("newStatusSensor failed: %v", err)
		}
		if _, err := dev.DoCommand(context.Background(), map[string]interface{}{"command": "code_revision"}); err != nil {
			t.Fatalf("code_revision failed: %v", err)
		}

		readings, err := s.Readings(context.Background(), nil)
		if err != nil {
			t.Fatalf("Readings failed: %v", err)
		}
		state := dev.GetState()
		for _, k := range []string{"connected", "revision", "command_count", "last_command", "connected_since"} {
			if readings[k] != state[k] {
				t.Errorf("%s mismatch: readings=%v, device=%v", k, readings[k], state[k])
			}
		}

		if err := dev.Close(context.Background()); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if _, err := s.Readings(context.Background(), nil); err == nil {
			t.Error("expected Readings to fail once the device service is closed")
		}
	})
}
