package dataset

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// InputType selects a split of a dataset.
type InputType int

const (
	Train InputType = iota
	Validation
	Test
)

var inputTypeNames = map[InputType]string{
	Train:      "train",
	Validation: "validation",
	Test:       "test",
}

func (t InputType) String() string {
	if name, ok := inputTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("InputType(%d)", int(t))
}

// Valid reports whether t is one of the three recognised splits.
func (t InputType) Valid() bool {
	_, ok := inputTypeNames[t]
	return ok
}

func ParseInputType(s string) (InputType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "train":
		return Train, nil
	case "validation":
		return Validation, nil
	case "test":
		return Test, nil
	default:
		return 0, errors.Errorf("unrecognized input type %q, must be one of [train, validation, test]", s)
	}
}
