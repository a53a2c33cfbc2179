package checkpoint

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const Ext = ".safetensors"

// Save writes tensors to <dir>/<prefix>-<step>.safetensors and makes it the
// latest checkpoint of dir. Only the newest keep checkpoints stay listed in
// the state file; older files are removed. keep <= 0 keeps everything.
func Save(dir, prefix string, step int64, tensors map[string]*Tensor, keep int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create checkpoint dir")
	}

	name := prefix + "-" + strconv.FormatInt(step, 10) + Ext
	path := filepath.Join(dir, name)
	meta := map[string]string{"global_step": strconv.FormatInt(step, 10)}
	if err := Write(path, tensors, meta); err != nil {
		return "", err
	}

	state, err := GetState(dir)
	if err != nil {
		return "", err
	}
	var all []string
	if state != nil {
		for _, p := range state.AllModelCheckpointPaths {
			if rel, err := filepath.Rel(dir, p); err == nil && rel != name {
				all = append(all, rel)
			}
		}
	}
	all = append(all, name)

	if keep > 0 && len(all) > keep {
		for _, old := range all[:len(all)-keep] {
			if err := os.Remove(filepath.Join(dir, old)); err != nil && !os.IsNotExist(err) {
				log.WithError(err).WithFields(log.Fields{"checkpoint": old}).Warn("Unable to remove old checkpoint")
			}
		}
		all = all[len(all)-keep:]
	}

	if err := WriteState(dir, &State{ModelCheckpointPath: name, AllModelCheckpointPaths: all}); err != nil {
		return "", err
	}

	log.WithFields(log.Fields{"path": path, "step": step}).Debug("Saved checkpoint")
	return path, nil
}

// GlobalStep extracts the step from a checkpoint path of the form
// <prefix>-<step>[.safetensors].
func GlobalStep(path string) (int64, error) {
	base := strings.TrimSuffix(filepath.Base(path), Ext)
	i := strings.LastIndex(base, "-")
	if i < 0 {
		return 0, errors.Errorf("no global step in checkpoint path %s", path)
	}
	step, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "global step of %s", path)
	}
	return step, nil
}

// Entry describes one weights file of a checkpoint directory.
type Entry struct {
	Path     string
	Step     int64
	Size     int64
	Modified time.Time
	Latest   bool
}

// List returns the weights files in dir ordered by step, marking the one
// the state file points at.
func List(dir string) ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+Ext))
	if err != nil {
		return nil, err
	}

	state, err := GetState(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		step, err := GlobalStep(path)
		if err != nil {
			step = -1
		}
		entries = append(entries, Entry{
			Path:     path,
			Step:     step,
			Size:     info.Size(),
			Modified: info.ModTime(),
			Latest:   state != nil && filepath.Clean(state.ModelCheckpointPath) == filepath.Clean(path),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Step != entries[j].Step {
			return entries[i].Step < entries[j].Step
		}
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}
