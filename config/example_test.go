package config_test

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/sensors-inl/biostream/config"
)

func ExampleConfig_Validate() {
	cfg := config.Default()
	cfg.Sensors = []string{"ECG1234", "EDA5678"}

	if err := cfg.Validate(); err != nil {
		fmt.Println("invalid:", err)
		return
	}
	fmt.Println("ready to acquire from", len(cfg.Sensors), "sensors")
	// Output: ready to acquire from 2 sensors
}

func ExampleConfig_SafeConfig() {
	cfg := config.Default()
	cfg.NATS.Password = "hunter2"

	safe := cfg.SafeConfig()
	fmt.Println(safe.NATS.Password)
	// Output: [redacted]
}

func ExampleConfig_OutletConfig() {
	cfg := config.Default()
	cfg.Sensors = []string{"ECG1234"}

	oc := cfg.OutletConfig()
	fmt.Println(oc.Prefix)
	// Output: biostream.samples
}

func ExampleDuration() {
	var section struct {
		Timeout config.Duration `yaml:"timeout"`
	}
	if err := yaml.Unmarshal([]byte("timeout: 2m30s"), &section); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(section.Timeout.Std())
	// Output: 2m30s
}
