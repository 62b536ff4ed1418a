package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		ID:       "bf1234567890abcdef",
		Name:     "Desk lamp",
		Address:  "192.168.1.40",
		Version:  "3.3",
		LocalKey: "0123456789abcdef",
		DPS:      map[string]any{"1": true, "2": "white"},
		AddedAt:  time.Now().Truncate(time.Millisecond),
		LastSeen: time.Now().Truncate(time.Millisecond),
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice(dev.ID)
	if err != nil {
		t.Fatal(err)
	}

	if got.Name != dev.Name {
		t.Errorf("name = %q, want %q", got.Name, dev.Name)
	}
	if got.Address != dev.Address {
		t.Errorf("address = %q, want %q", got.Address, dev.Address)
	}
	if got.Version != dev.Version {
		t.Errorf("version = %q, want %q", got.Version, dev.Version)
	}
	if got.LocalKey != dev.LocalKey {
		t.Errorf("local key = %q, want %q", got.LocalKey, dev.LocalKey)
	}
	if got.DPS["1"] != true || got.DPS["2"] != "white" {
		t.Errorf("dps = %v", got.DPS)
	}
	if !got.AddedAt.Equal(dev.AddedAt) {
		t.Errorf("added_at = %v, want %v", got.AddedAt, dev.AddedAt)
	}
}

func TestLocalKeyHiddenFromJSON(t *testing.T) {
	dev := &Device{ID: "dev", LocalKey: "0123456789abcdef"}
	data, err := json.Marshal(dev)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), dev.LocalKey) {
		t.Errorf("local key leaked: %s", data)
	}
}

func TestSaveDeviceEmptyID(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&Device{Address: "10.0.0.1"}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{ID: "dev1", Address: "10.0.0.1"}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.ID); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	devs := []*Device{
		{ID: "dev1", Address: "10.0.0.1"},
		{ID: "dev2", Address: "10.0.0.2"},
		{ID: "dev3", Address: "10.0.0.3"},
	}
	for _, d := range devs {
		if err := s.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	found := make(map[string]bool)
	for _, d := range list {
		found[d.ID] = true
	}
	for _, d := range devs {
		if !found[d.ID] {
			t.Errorf("device %s not in list", d.ID)
		}
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDevice(&Device{ID: "dev1", LocalKey: "0123456789abcdef"}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateDevice("dev1", func(dev *Device) error {
		dev.Online = true
		dev.DPS = map[string]any{"1": false}
		dev.ID = "renamed"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("dev1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Online || got.DPS["1"] != false {
		t.Errorf("update not applied: %+v", got)
	}
	if got.LocalKey != "0123456789abcdef" {
		t.Errorf("local key lost on update: %q", got.LocalKey)
	}
	if _, err := s.GetDevice("renamed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("update must not re-key the device: %v", err)
	}
}

func TestUpdateDeviceErrors(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateDevice("missing", func(*Device) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	if err := s.SaveDevice(&Device{ID: "dev1", Name: "before"}); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err = s.UpdateDevice("dev1", func(dev *Device) error {
		dev.Name = "after"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want callback error", err)
	}
	got, _ := s.GetDevice("dev1")
	if got.Name != "before" {
		t.Errorf("failed update was persisted: %q", got.Name)
	}
}
