package archive

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// FileName builds an archive file path from a requested basename and a
// timestamp, lower-cased and date-stamped, porting the naming convention of
// original_source/hipsr-server.py's new_file handling: "<base>_<date>.h5".
func FileName(dir, base string, at time.Time) string {
	base = strings.ToLower(strings.TrimSpace(base))
	if base == "" {
		base = "hipsr"
	}
	name := fmt.Sprintf("%s_%s.h5", base, at.Format("20060102_150405"))
	return filepath.Join(dir, at.Format("2006-01-02"), name)
}
