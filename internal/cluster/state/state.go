// Package state persists the node's grid identity and partition ownership
// across restarts. Saves are debounced and written atomically.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akuznetsov-gridgain/ignite/internal/cluster"
)

const (
	stateFileName        = "grid-state.json"
	saveDebounceDuration = 100 * time.Millisecond

	// CurrentStateVersion is the persisted format version.
	CurrentStateVersion = 1
)

// PersistentState is the on-disk snapshot.
type PersistentState struct {
	Version int            `json:"version"`
	NodeID  cluster.NodeID `json:"node_id"`
	Order   uint64         `json:"order"`
	// Owned lists the partitions the node owned at save time. Restored
	// partitions re-enter MOVING on the first exchange so their content
	// is reconciled before serving.
	Owned []int `json:"owned,omitempty"`
}

// Provider supplies the current state for saving and accepts a restored
// one on startup.
type Provider interface {
	GridState() *PersistentState
	RestoreGridState(state *PersistentState) error
}

// Manager owns the state file and the debounced save loop.
type Manager struct {
	dataDir  string
	provider Provider

	dirty atomic.Bool
	mu    sync.Mutex

	saveCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates the data directory and starts the save loop.
func NewManager(dataDir string) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	m := &Manager{
		dataDir: dataDir,
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	m.wg.Add(1)
	go m.saveLoop()

	return m, nil
}

// SetProvider binds the state source. Must be called before Load.
func (m *Manager) SetProvider(p Provider) {
	m.provider = p
}

// MarkDirty schedules a debounced save.
func (m *Manager) MarkDirty() {
	if m.dirty.CompareAndSwap(false, true) {
		select {
		case m.saveCh <- struct{}{}:
		default:
		}
	}
}

// Load restores persisted state if the file exists.
func (m *Manager) Load() error {
	if m.provider == nil {
		return fmt.Errorf("provider not set")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.FilePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var st PersistentState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}
	if st.Version != CurrentStateVersion {
		return fmt.Errorf("unsupported state version: %d", st.Version)
	}

	return m.provider.RestoreGridState(&st)
}

// Save writes the state immediately.
func (m *Manager) Save() error {
	if m.provider == nil {
		return fmt.Errorf("provider not set")
	}
	return m.save()
}

// Close stops the save loop and flushes pending changes.
func (m *Manager) Close() error {
	close(m.doneCh)
	m.wg.Wait()

	if m.dirty.Load() && m.provider != nil {
		return m.save()
	}
	return nil
}

// FilePath returns the state file location.
func (m *Manager) FilePath() string {
	return filepath.Join(m.dataDir, stateFileName)
}

func (m *Manager) saveLoop() {
	defer m.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-m.saveCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(saveDebounceDuration)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			timer = nil
			if m.dirty.Load() && m.provider != nil {
				if err := m.save(); err != nil {
					fmt.Fprintf(os.Stderr, "state save error: %v\n", err)
				}
			}

		case <-m.doneCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.provider.GridState()
	st.Version = CurrentStateVersion

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	path := m.FilePath()
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	f, err := os.OpenFile(tempPath, os.O_RDONLY, 0)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	m.dirty.Store(false)
	return nil
}
