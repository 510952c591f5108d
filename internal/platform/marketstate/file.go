package marketstate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// FileProvider re-reads a snapshot file on every call. It backs dry runs and
// replays; the file may be JSON or YAML.
type FileProvider struct {
	path  string
	nowFn func() time.Time
}

// NewFileProvider creates a FileProvider for path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path, nowFn: time.Now}
}

func (p *FileProvider) Snapshot(_ context.Context) (domain.Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("marketstate: %w: read %s: %w", domain.ErrProviderUnavailable, p.path, err)
	}

	var api APISnapshot
	switch strings.ToLower(filepath.Ext(p.path)) {
	case ".yaml", ".yml":
		// yaml.v3 cannot decode into decimal.Decimal directly; go through
		// the JSON form.
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return domain.Snapshot{}, fmt.Errorf("marketstate: decode %s: %w", p.path, err)
		}
		if data, err = json.Marshal(raw); err != nil {
			return domain.Snapshot{}, fmt.Errorf("marketstate: convert %s: %w", p.path, err)
		}
	}
	if err := json.Unmarshal(data, &api); err != nil {
		return domain.Snapshot{}, fmt.Errorf("marketstate: decode %s: %w", p.path, err)
	}
	return api.ToDomainSnapshot(p.nowFn()), nil
}

var _ domain.MarketStateProvider = (*FileProvider)(nil)
