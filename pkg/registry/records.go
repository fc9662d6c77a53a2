package registry

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ImageRecord remembers which OCI layout holds the image built for a tag.
type ImageRecord struct {
	Reference  string    `json:"reference"`
	LayoutPath string    `json:"layoutPath"`
	Digest     string    `json:"digest,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// RecordLayout stores the layout path of reference, replacing any previous
// record for it.
func RecordLayout(reference, layoutPath, digest string) error {
	if reference == "" {
		return errors.New("reference is required")
	}
	if layoutPath == "" {
		return errors.New("layout path is required")
	}
	if _, err := os.Stat(filepath.Join(layoutPath, "index.json")); err != nil {
		return fmt.Errorf("%s is not a valid OCI layout: %w", layoutPath, err)
	}
	absLayout, err := filepath.Abs(layoutPath)
	if err != nil {
		return err
	}
	rec := ImageRecord{Reference: reference, LayoutPath: absLayout, Digest: digest, UpdatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	dir, err := recordsDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, encodeReference(reference)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, encodeReference(reference)+".json"))
}

// ResolveLayout returns the record of reference.
func ResolveLayout(reference string) (ImageRecord, error) {
	dir, err := recordsDir()
	if err != nil {
		return ImageRecord{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, encodeReference(reference)+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ImageRecord{}, fmt.Errorf("no build recorded for %s; run sbctl build first", reference)
		}
		return ImageRecord{}, err
	}
	var rec ImageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ImageRecord{}, err
	}
	if _, err := os.Stat(filepath.Join(rec.LayoutPath, "index.json")); err != nil {
		return ImageRecord{}, fmt.Errorf("recorded OCI layout for %s is invalid: %w", reference, err)
	}
	return rec, nil
}

// RecordBuild records every tag of one build.
func RecordBuild(tags []string, layoutPath, digest string) error {
	return defaultRegistryClient.RecordBuild(tags, layoutPath, digest)
}

func recordBuild(tags []string, layoutPath, digest string) error {
	if len(tags) == 0 || layoutPath == "" {
		return nil
	}
	for _, tag := range tags {
		if err := RecordLayout(tag, layoutPath, digest); err != nil {
			return err
		}
	}
	return nil
}

// List returns every record, newest first. Unreadable records are skipped.
func List() ([]ImageRecord, error) {
	dir, err := recordsDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]ImageRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec ImageRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Reference < out[j].Reference
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func recordsDir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "sbctl", "images"), nil
}

func encodeReference(ref string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(ref))
}
