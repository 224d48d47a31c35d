package store

import (
	"errors"
	"testing"
	"time"
)

func TestArchives_crud(t *testing.T) {
	s := newTestStore(t)
	older := Archive{
		Filename:     "merged_20260820_000003.xml.gz",
		CreatedAt:    time.Date(2026, 8, 20, 0, 0, 3, 0, time.UTC),
		Channels:     120,
		Programs:     28000,
		DaysIncluded: 3,
		SizeBytes:    4_300_000,
	}
	newer := older
	newer.Filename = "merged_20260823_000002.xml.gz"
	newer.CreatedAt = time.Date(2026, 8, 23, 0, 0, 2, 0, time.UTC)

	for _, a := range []Archive{older, newer} {
		if err := s.UpsertArchive(a); err != nil {
			t.Fatalf("upsert %s: %v", a.Filename, err)
		}
	}

	got, err := s.GetArchive(older.Filename)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Channels != 120 || got.Programs != 28000 || got.SizeBytes != 4_300_000 {
		t.Errorf("archive row = %+v", got)
	}
	if !got.CreatedAt.Equal(older.CreatedAt) {
		t.Errorf("created_at = %v", got.CreatedAt)
	}

	// Upsert with the same filename replaces the row.
	older.Programs = 29000
	if err := s.UpsertArchive(older); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ = s.GetArchive(older.Filename)
	if got.Programs != 29000 {
		t.Errorf("upsert did not replace: %d", got.Programs)
	}

	list, err := s.ListArchives()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Filename != newer.Filename {
		t.Errorf("list order wrong: %v", list)
	}

	deleted, err := s.DeleteArchive(older.Filename)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Error("delete reported no row")
	}
	if _, err := s.GetArchive(older.Filename); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: %v", err)
	}
	deleted, err = s.DeleteArchive(older.Filename)
	if err != nil || deleted {
		t.Errorf("second delete: deleted=%v err=%v", deleted, err)
	}
}

func TestChannelVersions_crud(t *testing.T) {
	s := newTestStore(t)
	v := ChannelVersion{
		Filename:      "channels_20260824_101500.json",
		CreatedAt:     time.Date(2026, 8, 24, 10, 15, 0, 0, time.UTC),
		SourcesCount:  2,
		ChannelsCount: 87,
		SizeBytes:     5200,
	}
	if err := s.UpsertChannelVersion(v); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetChannelVersion(v.Filename)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SourcesCount != 2 || got.ChannelsCount != 87 {
		t.Errorf("version row = %+v", got)
	}

	current := ChannelVersion{
		Filename:      "channels.json",
		CreatedAt:     time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC),
		SourcesCount:  2,
		ChannelsCount: 90,
	}
	if err := s.UpsertChannelVersion(current); err != nil {
		t.Fatalf("upsert current: %v", err)
	}

	list, err := s.ListChannelVersions()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Filename != "channels.json" {
		t.Errorf("list = %v", list)
	}

	deleted, err := s.DeleteChannelVersion(v.Filename)
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	if _, err := s.GetChannelVersion(v.Filename); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: %v", err)
	}
}
