package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/snapetech/epgmerge/internal/channels"
	"github.com/snapetech/epgmerge/internal/epgfs"
	"github.com/snapetech/epgmerge/internal/feedcache"
	"github.com/snapetech/epgmerge/internal/merge"
	"github.com/snapetech/epgmerge/internal/safeurl"
	"github.com/snapetech/epgmerge/internal/store"
	"github.com/snapetech/epgmerge/internal/upstream"
)

// ListSources returns the upstream feed listing for a timeframe and feed
// type. Zero or empty arguments fall back to the stored selection.
func (a *App) ListSources(ctx context.Context, timeframe int, feedType string) ([]upstream.Source, error) {
	settings, err := a.Store.Settings()
	if err != nil {
		return nil, err
	}
	if timeframe == 0 {
		timeframe, _ = strconv.Atoi(settings.MergeTimeframe())
	}
	if feedType == "" {
		feedType = settings.SelectedFeedType()
	}
	return a.Upstream.ListSources(ctx, timeframe, feedType)
}

// SaveSelectedSources persists the source selection for scheduled merges.
func (a *App) SaveSelectedSources(sources []string) (int, error) {
	for _, name := range sources {
		if err := feedcache.ValidateFilename(name); err != nil {
			return 0, &merge.Error{Kind: merge.KindConfiguration, Msg: err.Error()}
		}
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return 0, fmt.Errorf("encode selected sources: %w", err)
	}
	if err := a.Store.SetSetting(store.KeySelectedSources, string(raw)); err != nil {
		return 0, err
	}
	return len(sources), nil
}

// GetSettings returns every setting, defaults included.
func (a *App) GetSettings() (map[string]string, error) {
	settings, err := a.Store.Settings()
	if err != nil {
		return nil, err
	}
	return settings.Raw(), nil
}

// SetSettings validates every pair before applying any, so a bad value never
// leaves a partial update behind.
func (a *App) SetSettings(values map[string]string) (int, error) {
	for key, value := range values {
		if err := store.ValidateSetting(key, value); err != nil {
			return 0, &merge.Error{Kind: merge.KindConfiguration, Msg: err.Error()}
		}
		if key == store.KeyDiscordWebhook && value != "" {
			if err := safeurl.CheckWebhook(value); err != nil {
				return 0, &merge.Error{Kind: merge.KindConfiguration, Msg: err.Error()}
			}
		}
	}
	updated := 0
	for key, value := range values {
		if err := a.Store.SetSetting(key, value); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// LoadChannelsFromSources fetches the channel list of every named source and
// returns the sorted union of channel ids.
func (a *App) LoadChannelsFromSources(ctx context.Context, sources []string) ([]string, error) {
	if len(sources) == 0 {
		return nil, &merge.Error{Kind: merge.KindConfiguration, Msg: "no sources given"}
	}
	settings, err := a.Store.Settings()
	if err != nil {
		return nil, err
	}
	timeframe, _ := strconv.Atoi(settings.MergeTimeframe())
	feedType := settings.SelectedFeedType()

	seen := make(map[string]bool)
	var ids []string
	for _, src := range sources {
		if err := feedcache.ValidateFilename(src); err != nil {
			return nil, &merge.Error{Kind: merge.KindConfiguration, Msg: err.Error()}
		}
		list, err := a.Upstream.FetchChannelList(ctx, timeframe, feedType, src)
		if err != nil {
			return nil, fmt.Errorf("channel list for %s: %w", src, err)
		}
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveChannelsWithVersioning stores a channel selection as the current
// version. An empty filename saves under the configured channels filename.
func (a *App) SaveChannelsWithVersioning(chans []string, sourcesCount int, filename string) (store.ChannelVersion, error) {
	if filename == "" {
		settings, err := a.Store.Settings()
		if err != nil {
			return store.ChannelVersion{}, err
		}
		filename = settings.ChannelsFilename()
	}
	return a.Channels.SaveWithVersioning(chans, sourcesCount, filename)
}

// SelectedChannels returns the channel ids of the active selection.
func (a *App) SelectedChannels() ([]string, error) {
	return a.Store.ListSelectedChannels()
}

// ChannelVersions lists every stored channel list version, newest first.
func (a *App) ChannelVersions() ([]store.ChannelVersion, error) {
	return a.Store.ListChannelVersions()
}

// DeleteChannelVersion removes an archived channel list. The current version
// is protected.
func (a *App) DeleteChannelVersion(filename string) error {
	settings, err := a.Store.Settings()
	if err != nil {
		return err
	}
	return a.Channels.Delete(filename, settings.ChannelsFilename())
}

// ExportChannels returns the active selection as a portable backup document.
func (a *App) ExportChannels() (channels.Backup, error) {
	selected, err := a.Store.ListSelectedChannels()
	if err != nil {
		return channels.Backup{}, err
	}
	return channels.Export(selected, time.Now().UTC()), nil
}

// MergeExecute runs a merge synchronously and reports the result. Only one
// merge may run at a time; a concurrent call fails busy. Empty fields fall
// back to the stored settings.
func (a *App) MergeExecute(ctx context.Context, sources, chanIDs []string, timeframe int, feedType, outputFilename string) (*merge.Report, error) {
	if !a.Flight.TryAcquire() {
		return nil, &merge.Error{Kind: merge.KindBusy, Msg: "a merge is already running"}
	}
	defer a.Flight.Release()

	settings, err := a.Store.Settings()
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		if sources, err = settings.SelectedSources(); err != nil {
			return nil, err
		}
		if len(sources) == 0 {
			return nil, &merge.Error{Kind: merge.KindConfiguration, Msg: "no sources selected"}
		}
	}
	if len(chanIDs) == 0 {
		if chanIDs, err = a.Channels.Load(settings.MergeChannelsVersion()); err != nil {
			return nil, &merge.Error{
				Kind: merge.KindConfiguration,
				Msg:  fmt.Sprintf("channels version %s not loadable", settings.MergeChannelsVersion()),
				Err:  err,
			}
		}
	}
	if timeframe == 0 {
		timeframe, _ = strconv.Atoi(settings.MergeTimeframe())
	}
	if feedType == "" {
		feedType = settings.SelectedFeedType()
	}
	if outputFilename == "" {
		outputFilename = settings.OutputFilename()
	}
	return a.Engine.Run(ctx, merge.Request{
		Sources:         sources,
		Channels:        chanIDs,
		Timeframe:       timeframe,
		FeedType:        feedType,
		OutputFilename:  outputFilename,
		DownloadTimeout: settings.DownloadTimeout(),
		MergeTimeout:    settings.MergeTimeout(),
	})
}

// MergeSave promotes the last merge output from tmp to current and records
// the archive row.
func (a *App) MergeSave(channelsIncluded, programsIncluded, daysIncluded int) (store.Archive, error) {
	settings, err := a.Store.Settings()
	if err != nil {
		return store.Archive{}, err
	}
	output := settings.OutputFilename()
	if _, err := a.Archive.Promote(output, channelsIncluded, programsIncluded, daysIncluded, settings.RetentionCleanup()); err != nil {
		return store.Archive{}, err
	}
	return a.Store.GetArchive(output)
}

// MergeClearTemp deletes leftover tmp outputs.
func (a *App) MergeClearTemp() (int, float64, error) {
	return a.Archive.ClearTemp()
}

// MergeDownloadPath resolves filename to an on-disk path for streaming. An
// empty filename resolves the live output.
func (a *App) MergeDownloadPath(filename string) (string, error) {
	settings, err := a.Store.Settings()
	if err != nil {
		return "", err
	}
	current := settings.OutputFilename()
	if filename == "" {
		filename = current
	}
	path, err := a.Archive.PathFor(filename, current)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", filename, store.ErrNotFound)
		}
		return "", err
	}
	return path, nil
}

// Archives lists every archive row, newest first.
func (a *App) Archives() ([]store.Archive, error) {
	return a.Store.ListArchives()
}

// ArchiveDelete removes an archived output. The live output is protected.
func (a *App) ArchiveDelete(filename string) error {
	settings, err := a.Store.Settings()
	if err != nil {
		return err
	}
	return a.Archive.Delete(filename, settings.OutputFilename())
}

// ArchivesCleanup sweeps expired archives now and returns the removed names.
func (a *App) ArchivesCleanup() ([]string, error) {
	settings, err := a.Store.Settings()
	if err != nil {
		return nil, err
	}
	removed, err := a.Archive.Sweep(settings.OutputFilename())
	if err != nil {
		return nil, err
	}
	if removed == nil {
		removed = []string{}
	}
	return removed, nil
}

// JobStatus is the scheduler snapshot served to clients.
type JobStatus struct {
	Running          bool       `json:"running"`
	NextScheduledRun *time.Time `json:"next_scheduled_run,omitempty"`
	Current          *store.Job `json:"current,omitempty"`
}

// JobsStatus reports whether a merge is in flight, the current job if any,
// and the next scheduled activation.
func (a *App) JobsStatus() (JobStatus, error) {
	status := JobStatus{Running: a.Flight.Busy()}
	if job, err := a.Store.RunningJob(); err == nil {
		status.Current = &job
	} else if !errors.Is(err, store.ErrNotFound) {
		return status, err
	}
	if next, ok := a.Sched.NextRun(); ok {
		status.NextScheduledRun = &next
	}
	return status, nil
}

// JobHistory lists past jobs, newest first.
func (a *App) JobHistory(limit int) ([]store.Job, error) {
	return a.Store.ListJobs(limit)
}

// JobLatest returns the most recently started job.
func (a *App) JobLatest() (store.Job, error) {
	return a.Store.LatestJob()
}

// JobExecuteNow starts a merge job immediately and returns its id without
// waiting for completion.
func (a *App) JobExecuteNow() (string, error) {
	return a.Sched.ExecuteNow()
}

// JobCancel asks the running job to stop. It reports whether a job was
// running.
func (a *App) JobCancel() bool {
	return a.Sched.Cancel()
}

// JobClearHistory deletes all job rows and returns the count removed.
func (a *App) JobClearHistory() (int, error) {
	return a.Store.ClearJobs()
}

// GuideFS describes the guide tree for a FUSE mount: the live output at the
// root and history under archives/.
func (a *App) GuideFS() epgfs.Config {
	return epgfs.Config{
		CurrentDir: a.Archive.CurrentDir,
		ArchiveDir: a.Archive.ArchiveDir,
		CurrentName: func() string {
			settings, err := a.Store.Settings()
			if err != nil {
				return ""
			}
			return settings.OutputFilename()
		},
	}
}
