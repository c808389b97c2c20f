package netem

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Profile describes the impairments the relay applies
type Profile struct {
	LossRate     float64 `yaml:"loss_rate"`     // probability a datagram is dropped
	CorruptRate  float64 `yaml:"corrupt_rate"`  // probability a datagram gets corrupted
	CorruptBytes int     `yaml:"corrupt_bytes"` // bytes overwritten in a corrupted datagram
	BufferSize   int     `yaml:"buffer_size"`   // queued bytes above which arrivals are dropped
	Rate         int     `yaml:"rate"`          // bytes per second, 0 for unlimited
	MaxDelayMs   int     `yaml:"max_delay_ms"`  // random extra delay per datagram, reorders traffic
	Seed         int64   `yaml:"seed"`          // random seed, 0 picks one from the clock
	Trace        bool    `yaml:"trace"`         // log every forwarded segment
}

func DefaultProfile() *Profile {
	return &Profile{
		LossRate:     0.1,
		CorruptRate:  0.00001,
		CorruptBytes: 10,
		BufferSize:   100000,
	}
}

// LoadProfile reads a YAML profile; keys missing from the file keep their defaults
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read netem profile %s", path)
	}
	profile := DefaultProfile()
	if err := yaml.UnmarshalStrict(data, profile); err != nil {
		return nil, errors.Wrapf(err, "parse netem profile %s", path)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

func (p *Profile) Validate() error {
	if p.LossRate < 0 || p.LossRate > 1 {
		return errors.Errorf("loss_rate %v outside [0,1]", p.LossRate)
	}
	if p.CorruptRate < 0 || p.CorruptRate > 1 {
		return errors.Errorf("corrupt_rate %v outside [0,1]", p.CorruptRate)
	}
	if p.CorruptBytes < 0 || p.BufferSize <= 0 || p.Rate < 0 || p.MaxDelayMs < 0 {
		return errors.New("corrupt_bytes, rate and max_delay_ms must not be negative and buffer_size must be positive")
	}
	return nil
}
