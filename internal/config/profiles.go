package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Profile bundles rasterization and recognition settings that clients can
// select per upload instead of tuning individual knobs.
type Profile struct {
	Profile  ProfileInfo     `toml:"profile" json:"profile"`
	Raster   ProfileRaster   `toml:"raster" json:"raster"`
	OCR      ProfileOCR      `toml:"ocr" json:"ocr"`
	Cleaning ProfileCleaning `toml:"cleaning" json:"cleaning"`
}

type ProfileInfo struct {
	Name        string `toml:"name" json:"name"`
	Description string `toml:"description" json:"description"`
}

type ProfileRaster struct {
	DPI          float64 `toml:"dpi" json:"dpi"`
	MaxDimension int     `toml:"max_dimension" json:"max_dimension"`
	JPEGQuality  int     `toml:"jpeg_quality" json:"jpeg_quality"`
}

type ProfileOCR struct {
	Language    string `toml:"language" json:"language"`
	PageSegMode int    `toml:"page_seg_mode" json:"page_seg_mode"`
}

type ProfileCleaning struct {
	Enabled bool `toml:"enabled" json:"enabled"`
}

// ProfileStore manages processing profiles loaded from TOML files.
type ProfileStore struct {
	profiles map[string]*Profile
}

// NewProfileStore creates a profile store with the built-in profiles plus
// any TOML profiles found in dir.
func NewProfileStore(dir string) (*ProfileStore, error) {
	store := &ProfileStore{
		profiles: make(map[string]*Profile),
	}

	store.profiles["standard"] = defaultStandardProfile()
	store.profiles["fast"] = defaultFastProfile()
	store.profiles["quality"] = defaultQualityProfile()

	if dir != "" {
		if err := store.loadFromDirectory(dir); err != nil {
			return nil, err
		}
	}

	return store, nil
}

// Get returns a profile by name.
func (s *ProfileStore) Get(name string) (*Profile, bool) {
	p, ok := s.profiles[name]
	return p, ok
}

// List returns all available profiles.
func (s *ProfileStore) List() []Profile {
	result := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		result = append(result, *p)
	}
	return result
}

// Set adds or updates a profile.
func (s *ProfileStore) Set(name string, p *Profile) {
	s.profiles[name] = p
}

func (s *ProfileStore) loadFromDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read profiles directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read profile %s: %w", entry.Name(), err)
		}

		var profile Profile
		if err := toml.Unmarshal(data, &profile); err != nil {
			return fmt.Errorf("parse profile %s: %w", entry.Name(), err)
		}

		name := strings.TrimSuffix(entry.Name(), ".toml")
		s.profiles[name] = &profile
	}

	return nil
}

func defaultStandardProfile() *Profile {
	return &Profile{
		Profile: ProfileInfo{
			Name:        "Tiêu chuẩn",
			Description: "300 DPI, nhận dạng tiếng Việt, có làm sạch văn bản",
		},
		Raster: ProfileRaster{
			DPI:          300,
			MaxDimension: 4000,
			JPEGQuality:  90,
		},
		OCR: ProfileOCR{
			Language:    "vie",
			PageSegMode: -1,
		},
		Cleaning: ProfileCleaning{Enabled: true},
	}
}

func defaultFastProfile() *Profile {
	return &Profile{
		Profile: ProfileInfo{
			Name:        "Nhanh",
			Description: "150 DPI cho tài liệu dài, không làm sạch",
		},
		Raster: ProfileRaster{
			DPI:          150,
			MaxDimension: 2400,
			JPEGQuality:  80,
		},
		OCR: ProfileOCR{
			Language:    "vie",
			PageSegMode: -1,
		},
		Cleaning: ProfileCleaning{Enabled: false},
	}
}

func defaultQualityProfile() *Profile {
	return &Profile{
		Profile: ProfileInfo{
			Name:        "Chất lượng cao",
			Description: "450 DPI cho bản scan mờ hoặc chữ nhỏ",
		},
		Raster: ProfileRaster{
			DPI:          450,
			MaxDimension: 6000,
			JPEGQuality:  95,
		},
		OCR: ProfileOCR{
			Language:    "vie",
			PageSegMode: -1,
		},
		Cleaning: ProfileCleaning{Enabled: true},
	}
}
