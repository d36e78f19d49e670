package simulate

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-viper/mapstructure/v2"
)

// Behavior is the simulated behavior of one stage, read from its configuration.
type Behavior struct {
	// Duration is how long every attempt takes; numbers are milliseconds
	Duration time.Duration `mapstructure:"duration"`
	// SucceedWhen decides the attempt outcome; empty means always succeed
	SucceedWhen string `mapstructure:"succeedWhen"`
	// RetryWhen requests another attempt after a successful one
	RetryWhen   string         `mapstructure:"retryWhen"`
	ExitCode    int            `mapstructure:"exitCode"`
	FailureRate float64        `mapstructure:"failureRate"`
	Facts       map[string]any `mapstructure:"facts"`
	Panic       string         `mapstructure:"panic"`
	Message     string         `mapstructure:"message"`
}

var durationType = reflect.TypeOf(time.Duration(0))

func millisecondsHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	}
	return data, nil
}

// ParseBehavior decodes the simulation keys of a stage configuration.
// Unknown keys are ignored so configurations can carry other settings.
func ParseBehavior(cfg pipeline.Configuration) (Behavior, error) {
	b := Behavior{ExitCode: 1}
	if len(cfg) == 0 {
		return b, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			millisecondsHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           &b,
	})
	if err != nil {
		return Behavior{}, err
	}
	if err := decoder.Decode(map[string]any(cfg)); err != nil {
		return Behavior{}, fmt.Errorf("invalid simulation settings: %w", err)
	}

	if b.Duration < 0 {
		return Behavior{}, fmt.Errorf("invalid simulation settings: negative duration %s", b.Duration)
	}
	if b.FailureRate < 0 || b.FailureRate > 1 {
		return Behavior{}, fmt.Errorf("invalid simulation settings: failureRate %v outside [0, 1]", b.FailureRate)
	}
	if b.ExitCode == 0 {
		b.ExitCode = 1
	}
	return b, nil
}
