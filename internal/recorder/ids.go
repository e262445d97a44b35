package recorder

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRecordingID returns rec_<unix-ms>_<9 random hex chars>.
func NewRecordingID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("rec_%d_%s", now.UnixMilli(), suffix)
}
