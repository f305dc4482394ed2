package release

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// SchemaVersion identifies the manifest layout. Viewers refuse manifests with
// a version they do not understand.
const SchemaVersion = 3

type TileConfig struct {
	TileSize     int         `json:"tile_size"`
	Overlap      int         `json:"overlap"`
	Format       string      `json:"format"`
	Levels       []TileLevel `json:"levels"`
	TileCount    int         `json:"tile_count"`
	PathTemplate string      `json:"path_template"`
}

type TileLevel struct {
	Level  int `json:"level"`
	Width  int `json:"width"`
	Height int `json:"height"`
	Cols   int `json:"cols"`
	Rows   int `json:"rows"`
}

type ZoomConfig struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Default float64 `json:"default"`
}

type Overlay struct {
	Ref           string            `json:"ref"`
	Type          string            `json:"type"`
	Geometry      json.RawMessage   `json:"geometry"`
	Label         map[string]string `json:"label,omitempty"`
	LabelPosition []float64         `json:"label_position,omitempty"`
	Layer         string            `json:"layer,omitempty"`
	SortOrder     int               `json:"sort_order"`
	Props         json.RawMessage   `json:"props,omitempty"`
}

// Manifest is the complete, self-contained description of one published
// release. Everything a viewer needs is in this document plus the tile files
// next to it.
type Manifest struct {
	SchemaVersion int    `json:"schema_version"`
	ReleaseId     string `json:"release_id"`
	Project       string `json:"project"`
	VersionNumber int    `json:"version_number"`
	GeneratedAt   string `json:"generated_at"`
	Checksum      string `json:"checksum"`

	ViewBox string     `json:"view_box"`
	Tiles   TileConfig `json:"tiles"`
	Zoom    ZoomConfig `json:"zoom"`

	DefaultLocale string          `json:"default_locale"`
	Locales       []string        `json:"locales"`
	StatusStyles  json.RawMessage `json:"status_styles,omitempty"`

	Overlays []Overlay `json:"overlays"`
}

// ComputeChecksum hashes the manifest with its checksum field cleared. The
// document is re-encoded through a map so keys serialize in sorted order,
// making the digest independent of struct field order.
func ComputeChecksum(m *Manifest) (string, error) {
	clone := *m
	clone.Checksum = ""

	encoded, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return "", fmt.Errorf("failed to decode manifest: %w", err)
	}
	delete(doc, "checksum")

	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize manifest: %w", err)
	}

	digest := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(digest[:]), nil
}

// Seal stamps the checksum onto the manifest. Call once, after all other
// fields are final.
func (m *Manifest) Seal() error {
	checksum, err := ComputeChecksum(m)
	if err != nil {
		return err
	}
	m.Checksum = checksum
	return nil
}

// VerifyChecksum recomputes the digest of a sealed manifest and compares it
// to the stored value.
func VerifyChecksum(m *Manifest) error {
	if !strings.HasPrefix(m.Checksum, "sha256:") {
		return fmt.Errorf("manifest has no sha256 checksum")
	}
	expected, err := ComputeChecksum(m)
	if err != nil {
		return err
	}
	if expected != m.Checksum {
		return fmt.Errorf("manifest checksum mismatch: stored %s, computed %s", m.Checksum, expected)
	}
	return nil
}

// ManifestKey is the object store key of a release manifest.
func ManifestKey(projectSlug, releaseId string) string {
	return path.Join(projectSlug, "releases", releaseId, "release.json")
}

// TilesPrefix is the object store prefix holding a release's tile files.
func TilesPrefix(projectSlug, releaseId string) string {
	return path.Join(projectSlug, "releases", releaseId, "tiles")
}

// UploadsPrefix is the staging area drafts read their inputs from.
func UploadsPrefix(projectSlug string) string {
	return path.Join(projectSlug, "uploads")
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
