package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Recognised setting keys. Values are stored as strings; list-valued
// settings are JSON arrays.
const (
	KeyOutputFilename       = "output_filename"
	KeyChannelsFilename     = "channels_filename"
	KeyCurrentDir           = "current_dir"
	KeyArchiveDir           = "archive_dir"
	KeyChannelsDir          = "channels_dir"
	KeyTmpDir               = "tmp_dir"
	KeyCacheDir             = "cache_dir"
	KeyMergeSchedule        = "merge_schedule"
	KeyMergeTime            = "merge_time"
	KeyMergeDays            = "merge_days"
	KeyMergeTimeframe       = "merge_timeframe"
	KeyMergeChannelsVersion = "merge_channels_version"
	KeySelectedSources      = "selected_sources"
	KeySelectedFeedType     = "selected_feed_type"
	KeyDownloadTimeout      = "download_timeout"
	KeyMergeTimeout         = "merge_timeout"
	KeyChannelDropThreshold = "channel_drop_threshold"
	KeyRetentionCleanup     = "archive_retention_cleanup_expired"
	KeyDiscordWebhook       = "discord_webhook"
)

// DirDefaults carries the OS-dependent directory defaults derived from the
// process config; they seed the corresponding settings.
type DirDefaults struct {
	Current  string
	Archive  string
	Channels string
	Tmp      string
	Cache    string
}

// Defaults returns every recognised setting key with its default value.
func Defaults(dirs DirDefaults) map[string]string {
	return map[string]string{
		KeyOutputFilename:       "merged.xml.gz",
		KeyChannelsFilename:     "channels.json",
		KeyCurrentDir:           dirs.Current,
		KeyArchiveDir:           dirs.Archive,
		KeyChannelsDir:          dirs.Channels,
		KeyTmpDir:               dirs.Tmp,
		KeyCacheDir:             dirs.Cache,
		KeyMergeSchedule:        "daily",
		KeyMergeTime:            "00:00",
		KeyMergeDays:            "[0,1,2,3,4,5,6]",
		KeyMergeTimeframe:       "3",
		KeyMergeChannelsVersion: "channels.json",
		KeySelectedSources:      "[]",
		KeySelectedFeedType:     "iptv",
		KeyDownloadTimeout:      "120",
		KeyMergeTimeout:         "300",
		KeyChannelDropThreshold: "",
		KeyRetentionCleanup:     "true",
		KeyDiscordWebhook:       "",
	}
}

// GetSetting returns the stored value for key, or its declared default when
// the key has never been written.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return s.defaults[key], nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores value for key.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// SeedSettings writes each key/value pair that has never been written.
// Existing rows win; the seed never overwrites user changes.
func (s *Store) SeedSettings(seed map[string]string) (int, error) {
	applied := 0
	for key, value := range seed {
		res, err := s.db.Exec(
			`INSERT INTO settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO NOTHING`, key, value)
		if err != nil {
			return applied, fmt.Errorf("seed setting %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			applied++
		}
	}
	return applied, nil
}

// Settings returns the typed view over all settings: defaults overlaid with
// every stored row (including unrecognised keys, which ride along in Raw).
func (s *Store) Settings() (Settings, error) {
	m := make(map[string]string, len(s.defaults))
	for k, v := range s.defaults {
		m[k] = v
	}
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Settings{}, fmt.Errorf("scan setting: %w", err)
		}
		m[k] = v
	}
	if err := rows.Err(); err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return Settings{m: m}, nil
}

// Settings is a point-in-time typed view over the string settings.
// List-valued fields are parsed on access; writes go through SetSetting.
type Settings struct {
	m map[string]string
}

// Get returns the raw string value for key ("" when absent).
func (v Settings) Get(key string) string { return v.m[key] }

// Raw returns a copy of the underlying map, the escape hatch for callers
// that need keys this package does not recognise.
func (v Settings) Raw() map[string]string {
	out := make(map[string]string, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}

func (v Settings) OutputFilename() string   { return v.m[KeyOutputFilename] }
func (v Settings) ChannelsFilename() string { return v.m[KeyChannelsFilename] }
func (v Settings) CurrentDir() string       { return v.m[KeyCurrentDir] }
func (v Settings) ArchiveDir() string       { return v.m[KeyArchiveDir] }
func (v Settings) ChannelsDir() string      { return v.m[KeyChannelsDir] }
func (v Settings) TmpDir() string           { return v.m[KeyTmpDir] }
func (v Settings) CacheDir() string         { return v.m[KeyCacheDir] }
func (v Settings) MergeSchedule() string    { return v.m[KeyMergeSchedule] }
func (v Settings) MergeTime() string        { return v.m[KeyMergeTime] }
func (v Settings) MergeTimeframe() string   { return v.m[KeyMergeTimeframe] }
func (v Settings) SelectedFeedType() string { return v.m[KeySelectedFeedType] }
func (v Settings) DiscordWebhook() string   { return v.m[KeyDiscordWebhook] }

// MergeChannelsVersion is the channel-version filename the scheduler loads.
func (v Settings) MergeChannelsVersion() string { return v.m[KeyMergeChannelsVersion] }

// MergeDays parses the JSON day list (0=Sunday .. 6=Saturday).
func (v Settings) MergeDays() ([]int, error) {
	var days []int
	if err := json.Unmarshal([]byte(v.m[KeyMergeDays]), &days); err != nil {
		return nil, fmt.Errorf("setting %s: %w", KeyMergeDays, err)
	}
	return days, nil
}

// SelectedSources parses the JSON source filename list.
func (v Settings) SelectedSources() ([]string, error) {
	var sources []string
	if err := json.Unmarshal([]byte(v.m[KeySelectedSources]), &sources); err != nil {
		return nil, fmt.Errorf("setting %s: %w", KeySelectedSources, err)
	}
	return sources, nil
}

// DownloadTimeout returns the fetch-phase group deadline.
func (v Settings) DownloadTimeout() time.Duration {
	return secondsSetting(v.m[KeyDownloadTimeout], 120)
}

// MergeTimeout returns the merge-phase wall-clock deadline.
func (v Settings) MergeTimeout() time.Duration {
	return secondsSetting(v.m[KeyMergeTimeout], 300)
}

// ChannelDropThreshold returns the warn threshold percentage and whether it
// is enabled (empty string disables).
func (v Settings) ChannelDropThreshold() (float64, bool) {
	raw := strings.TrimSpace(v.m[KeyChannelDropThreshold])
	if raw == "" {
		return 0, false
	}
	pct, err := strconv.ParseFloat(raw, 64)
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}

// RetentionCleanup reports whether promote should sweep expired archives.
func (v Settings) RetentionCleanup() bool {
	return strings.EqualFold(v.m[KeyRetentionCleanup], "true") || v.m[KeyRetentionCleanup] == "1"
}

func secondsSetting(raw string, fallback int) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

var mergeTimeRe = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// ValidateSetting checks a value for a recognised key. Unrecognised keys are
// accepted unchecked (forward compatibility). The returned error text is
// user-facing.
func ValidateSetting(key, value string) error {
	switch key {
	case KeyOutputFilename:
		if !strings.HasSuffix(value, ".xml") && !strings.HasSuffix(value, ".xml.gz") {
			return fmt.Errorf("%s must end in .xml or .xml.gz", key)
		}
		if strings.ContainsAny(value, "/\\") || value == ".xml" || value == ".xml.gz" {
			return fmt.Errorf("%s must be a bare filename", key)
		}
	case KeyMergeSchedule:
		if value != "daily" && value != "weekly" {
			return fmt.Errorf("%s must be daily or weekly", key)
		}
	case KeyMergeTime:
		if !mergeTimeRe.MatchString(value) {
			return fmt.Errorf("%s must be HH:MM", key)
		}
	case KeyMergeDays:
		var days []int
		if err := json.Unmarshal([]byte(value), &days); err != nil {
			return fmt.Errorf("%s must be a JSON array of ints", key)
		}
		for _, d := range days {
			if d < 0 || d > 6 {
				return fmt.Errorf("%s entries must be 0..6 (Sun=0)", key)
			}
		}
	case KeyMergeTimeframe:
		if value != "3" && value != "7" && value != "14" {
			return fmt.Errorf("%s must be one of 3, 7, 14", key)
		}
	case KeySelectedSources:
		var sources []string
		if err := json.Unmarshal([]byte(value), &sources); err != nil {
			return fmt.Errorf("%s must be a JSON array of filenames", key)
		}
	case KeySelectedFeedType:
		if value != "iptv" && value != "gracenote" {
			return fmt.Errorf("%s must be iptv or gracenote", key)
		}
	case KeyDownloadTimeout, KeyMergeTimeout:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer of seconds", key)
		}
	case KeyChannelDropThreshold:
		if value == "" {
			return nil
		}
		pct, err := strconv.ParseFloat(value, 64)
		if err != nil || pct < 0 || pct > 100 {
			return fmt.Errorf("%s must be empty or 0..100", key)
		}
	case KeyRetentionCleanup:
		switch strings.ToLower(value) {
		case "true", "false", "1", "0":
		default:
			return fmt.Errorf("%s must be true or false", key)
		}
	}
	return nil
}
