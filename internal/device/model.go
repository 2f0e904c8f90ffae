package device

import (
	"errors"
	"fmt"
)

// ErrUnknownModel is returned when a model name is not recognised.
var ErrUnknownModel = errors.New("unknown device model")

// Model identifies the hardware product of a device.
type Model string

const (
	Anafi4K        Model = "anafi_4k"
	AnafiThermal   Model = "anafi_thermal"
	AnafiUSA       Model = "anafi_usa"
	SkyController3 Model = "skycontroller_3"
	SkyController4 Model = "skycontroller_4"
)

var modelNames = map[Model]string{
	Anafi4K:        "ANAFI 4K",
	AnafiThermal:   "ANAFI Thermal",
	AnafiUSA:       "ANAFI USA",
	SkyController3: "Skycontroller 3",
	SkyController4: "Skycontroller 4",
}

// ParseModel parses a model identifier.
func ParseModel(s string) (Model, error) {
	m := Model(s)
	if _, ok := modelNames[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, s)
	}
	return m, nil
}

// IsDrone reports whether the model flies. Remote controllers do not.
func (m Model) IsDrone() bool {
	switch m {
	case Anafi4K, AnafiThermal, AnafiUSA:
		return true
	}
	return false
}

// DefaultName is the name shown before the device reports its own.
func (m Model) DefaultName() string {
	return modelNames[m]
}
