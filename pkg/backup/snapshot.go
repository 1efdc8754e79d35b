package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/forest6511/horizen/pkg/prefs"
	"github.com/forest6511/horizen/pkg/security"
	"github.com/forest6511/horizen/pkg/store"
)

// DefaultRetention is the number of pre-import snapshots kept.
const DefaultRetention = 5

// Snapshot is a copy of the preferences and widgets taken before an import.
type Snapshot struct {
	ID          string             `json:"id"`
	CreatedAt   time.Time          `json:"createdAt"`
	Preferences *prefs.Preferences `json:"preferences"`
	Widgets     []prefs.Widget     `json:"widgets"`
}

// SnapshotInfo summarizes a snapshot for listing.
type SnapshotInfo struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Conversations int       `json:"conversations"`
	QuickLinks    int       `json:"quick_links"`
	Widgets       int       `json:"widgets"`
}

// Snapshots manages the rotating backup:<unix-millis> entries.
type Snapshots struct {
	kv        store.Store
	retention int
	now       func() time.Time
}

// NewSnapshots returns a snapshot manager keeping the newest retention
// entries. A retention below 1 uses DefaultRetention.
func NewSnapshots(kv store.Store, retention int, now func() time.Time) *Snapshots {
	if retention < 1 {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	return &Snapshots{kv: kv, retention: retention, now: now}
}

// Take snapshots the current state and prunes old entries.
func (s *Snapshots) Take() (string, error) {
	var id string
	err := s.kv.Update(func(tx store.KV) error {
		var err error
		id, err = s.take(tx)
		return err
	})
	return id, err
}

// take runs inside a transaction so the snapshot commits together with the
// import it protects.
func (s *Snapshots) take(tx store.KV) (string, error) {
	p, err := prefs.Load(tx)
	if err != nil {
		return "", err
	}
	widgets, err := prefs.ListWidgets(tx)
	if err != nil {
		return "", err
	}

	now := s.now()
	ms := now.UnixMilli()
	// Two snapshots in the same millisecond get consecutive ids.
	for {
		ok, err := store.Exists(tx, store.PrefixBackup+strconv.FormatInt(ms, 10))
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}
		ms++
	}
	id := strconv.FormatInt(ms, 10)

	snap := Snapshot{ID: id, CreatedAt: now.UTC(), Preferences: p, Widgets: widgets}
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("backup: failed to marshal snapshot: %w", err)
	}
	if err := tx.Put(store.PrefixBackup+id, string(data)); err != nil {
		return "", err
	}
	if err := s.prune(tx); err != nil {
		return "", err
	}
	return id, nil
}

// ids returns snapshot ids oldest first.
func ids(kv store.KV) ([]int64, error) {
	keys, err := kv.List(store.PrefixBackup)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		ms, err := strconv.ParseInt(strings.TrimPrefix(k, store.PrefixBackup), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ms)
	}
	slices.Sort(out)
	return out, nil
}

func (s *Snapshots) prune(tx store.KV) error {
	all, err := ids(tx)
	if err != nil {
		return err
	}
	for len(all) > s.retention {
		if err := tx.Delete(store.PrefixBackup + strconv.FormatInt(all[0], 10)); err != nil {
			return err
		}
		all = all[1:]
	}
	return nil
}

// Get returns the snapshot with id.
func (s *Snapshots) Get(id string) (*Snapshot, error) {
	raw, err := s.kv.Get(store.PrefixBackup + id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %v", security.ErrDataCorrupted, id, err)
	}
	if snap.Preferences == nil {
		snap.Preferences = prefs.Default()
	}
	return &snap, nil
}

// List returns the snapshots newest first. Unreadable entries are skipped.
func (s *Snapshots) List() ([]SnapshotInfo, error) {
	all, err := ids(s.kv)
	if err != nil {
		return nil, err
	}
	infos := make([]SnapshotInfo, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		snap, err := s.Get(strconv.FormatInt(all[i], 10))
		if err != nil {
			continue
		}
		infos = append(infos, SnapshotInfo{
			ID:            snap.ID,
			CreatedAt:     snap.CreatedAt,
			Conversations: len(snap.Preferences.Conversations),
			QuickLinks:    len(snap.Preferences.QuickLinks),
			Widgets:       len(snap.Widgets),
		})
	}
	return infos, nil
}

// Restore replaces the current preferences and widgets with the snapshot.
// The snapshot itself is kept.
func (s *Snapshots) Restore(id string) error {
	snap, err := s.Get(id)
	if err != nil {
		return err
	}
	return s.kv.Update(func(tx store.KV) error {
		if err := prefs.Save(tx, snap.Preferences); err != nil {
			return err
		}
		return prefs.ReplaceWidgets(tx, snap.Widgets)
	})
}
