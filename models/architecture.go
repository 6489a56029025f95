package models

import (
	"fmt"
	"strings"
)

// Architecture selects one of the two regression networks.
type Architecture string

const (
	CNN  Architecture = "cnn"
	LSTM Architecture = "lstm"

	// Auto resolves the architecture from the model's descriptor at load time.
	Auto Architecture = "auto"
)

// Architectures lists the trainable architectures in training order.
var Architectures = []Architecture{CNN, LSTM}

// ParseArchitecture accepts "cnn", "lstm" or "auto" in any case.
func ParseArchitecture(s string) (Architecture, error) {
	switch Architecture(strings.ToLower(strings.TrimSpace(s))) {
	case CNN:
		return CNN, nil
	case LSTM:
		return LSTM, nil
	case Auto, "":
		return Auto, nil
	default:
		return "", fmt.Errorf("unknown model architecture %q (want cnn, lstm or auto)", s)
	}
}

// Label is the display name, e.g. "CNN".
func (a Architecture) Label() string {
	return strings.ToUpper(string(a))
}

// ModelFile is the fixed artifact name inside a model folder.
func (a Architecture) ModelFile() string {
	return string(a) + "_model" + ModelExt
}

// DescriptorFile is the fixed sidecar name inside a model folder.
func (a Architecture) DescriptorFile() string {
	return string(a) + "_model" + DescriptorExt
}

func (a Architecture) valid() bool {
	return a == CNN || a == LSTM
}
