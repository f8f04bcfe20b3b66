// Package sensor defines sensor identities and converts decoded wire
// records into timestamped sample points.
package sensor

import (
	"fmt"
	"strings"

	"github.com/sensors-inl/biostream/codec"
	"github.com/sensors-inl/biostream/errors"
)

// Sampling rates fixed by the sensor firmware, in Hz.
const (
	ECGSamplingRate = 512
	EDASamplingRate = 8
)

// Identity names one configured sensor device. It is resolved once from
// configuration and never changes afterward.
type Identity struct {
	Name string
	Kind codec.Kind
}

// ParseIdentity resolves a configured device name into an Identity.
// Accepted spellings are ECGxxxx, ECG_xxxx and ECG-xxxx (likewise EDA);
// the separator variants normalize to the bare form, which is also the
// advertised transport name. Unrecognized prefixes are configuration
// errors.
func ParseIdentity(raw string) (Identity, error) {
	name := strings.TrimSpace(raw)
	if len(name) >= 4 && (name[3] == '_' || name[3] == '-') {
		name = name[:3] + name[4:]
	}

	var kind codec.Kind
	switch {
	case len(name) > 3 && strings.EqualFold(name[:3], "ECG"):
		kind = codec.KindECG
	case len(name) > 3 && strings.EqualFold(name[:3], "EDA"):
		kind = codec.KindEDA
	default:
		return Identity{}, errors.WrapFatal(
			fmt.Errorf("%w: sensor name %q has no ECG/EDA prefix", errors.ErrInvalidConfig, raw),
			"Identity", "ParseIdentity", "resolve sensor kind")
	}

	return Identity{Name: name, Kind: kind}, nil
}

// ParseIdentities resolves a configured name list, rejecting duplicates.
func ParseIdentities(raw []string) ([]Identity, error) {
	ids := make([]Identity, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))

	for _, r := range raw {
		id, err := ParseIdentity(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id.Name]; dup {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: sensor %q listed twice", errors.ErrInvalidConfig, id.Name),
				"Identity", "ParseIdentities", "resolve sensor list")
		}
		seen[id.Name] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (id Identity) String() string {
	return id.Name
}

// SamplingRate returns the firmware sampling rate for this sensor.
func (id Identity) SamplingRate() int {
	if id.Kind == codec.KindEDA {
		return EDASamplingRate
	}
	return ECGSamplingRate
}

// StreamType is the signal type label used on streaming outlets:
// "ECG" for ECG sensors, "GSR" for EDA sensors.
func (id Identity) StreamType() string {
	if id.Kind == codec.KindEDA {
		return "GSR"
	}
	return "ECG"
}

// Unit is the measurement unit of expanded samples.
func (id Identity) Unit() string {
	if id.Kind == codec.KindEDA {
		return "uS"
	}
	return "A.U."
}
