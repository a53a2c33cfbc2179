package checkpoint

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// StateFile is the name of the file in a checkpoint directory that points
// at the latest checkpoint.
const StateFile = "checkpoint"

// State is the content of a checkpoint directory's state file.
//
// The file holds one `key: "value"` pair per line:
//
//	model_checkpoint_path: "model-2000.safetensors"
//	all_model_checkpoint_paths: "model-1000.safetensors"
//	all_model_checkpoint_paths: "model-2000.safetensors"
type State struct {
	ModelCheckpointPath     string
	AllModelCheckpointPaths []string
}

// GetState reads the state file in dir. It returns nil and no error when
// the file does not exist or names no latest checkpoint. Relative paths are
// resolved against dir.
func GetState(dir string) (*State, error) {
	f, err := os.Open(filepath.Join(dir, StateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open checkpoint state")
	}
	defer f.Close()

	state, err := ParseState(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", f.Name())
	}
	if state.ModelCheckpointPath == "" {
		return nil, nil
	}

	state.ModelCheckpointPath = resolve(dir, state.ModelCheckpointPath)
	for i, p := range state.AllModelCheckpointPaths {
		state.AllModelCheckpointPaths[i] = resolve(dir, p)
	}
	return state, nil
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// ParseState parses the text form of a State. Unknown keys are rejected.
func ParseState(r io.Reader) (*State, error) {
	state := &State{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		key, raw, ok := strings.Cut(text, ":")
		if !ok {
			return nil, errors.Errorf("line %d: expected key: \"value\"", line)
		}
		key = strings.TrimSpace(key)
		if key != "model_checkpoint_path" && key != "all_model_checkpoint_paths" {
			// Writers also record timestamps as bare floats.
			log.WithFields(log.Fields{"line": line, "key": key}).Debug("Skipping unknown checkpoint state key")
			continue
		}
		value, err := strconv.Unquote(strings.TrimSpace(raw))
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: value of %s", line, key)
		}

		if key == "model_checkpoint_path" {
			state.ModelCheckpointPath = value
		} else {
			state.AllModelCheckpointPaths = append(state.AllModelCheckpointPaths, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *State) WriteTo(w io.Writer) (int64, error) {
	var n int64
	write := func(key, value string) error {
		c, err := fmt.Fprintf(w, "%s: %s\n", key, strconv.Quote(value))
		n += int64(c)
		return err
	}

	if err := write("model_checkpoint_path", s.ModelCheckpointPath); err != nil {
		return n, err
	}
	for _, p := range s.AllModelCheckpointPaths {
		if err := write("all_model_checkpoint_paths", p); err != nil {
			return n, err
		}
	}
	return n, nil
}

// WriteState replaces the state file in dir.
func WriteState(dir string, s *State) error {
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return errors.Wrap(err, "create state file")
	}
	defer os.Remove(tmp.Name())

	_, err = s.WriteTo(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "write state file")
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, StateFile))
}
