package artifact

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Prune removes regular files directly under dir for which match returns true,
// except those named in keep. It returns the removed names.
func Prune(dir string, match func(name string) bool, keep map[string]struct{}) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if e.IsDir() || !match(e.Name()) {
			continue
		}
		if _, ok := keep[e.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			log.Warn().Err(err).Str("file", e.Name()).Msg("prune failed")
			continue
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}
