// Package provision bridges a parameter document and the local launch
// directory: it stages inputs, plans output destinations, rewrites the
// document for the engine and reconciles what the engine produced.
package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/me/gowe-launcher/pkg/model"
)

const (
	workingDirName  = "working"
	inputsDirName   = "inputs"
	outputsDirName  = "outputs"
	tmpDirName      = "tmp"
	paramsFileName  = "workflow_params.json"
	launchDirPrefix = "launcher-"
)

// LaunchContext is the per-launch state threaded through every component.
type LaunchContext struct {
	ID         string
	Root       string // <configuredRoot>/launcher-<uuid>
	WorkingDir string
	InputsDir  string
	OutputsDir string
	TmpDir     string

	// DocumentDir resolves relative local references in the parameter
	// document. Empty means the process working directory.
	DocumentDir string

	Inputs  *ProvisionMap
	Outputs *OutputMap
}

// NewLaunchContext creates launcher-<uuid>/{working,inputs,outputs,tmp}
// beneath root.
func NewLaunchContext(root string) (*LaunchContext, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory %s: %w", root, err)
	}
	id := launchDirPrefix + uuid.New().String()
	dir := filepath.Join(abs, id)

	lc := &LaunchContext{
		ID:         id,
		Root:       dir,
		WorkingDir: filepath.Join(dir, workingDirName),
		InputsDir:  filepath.Join(dir, inputsDirName),
		OutputsDir: filepath.Join(dir, outputsDirName),
		TmpDir:     filepath.Join(dir, tmpDirName),
		Inputs:     NewProvisionMap(),
		Outputs:    NewOutputMap(),
	}
	for _, d := range []string{lc.WorkingDir, lc.InputsDir, lc.OutputsDir, lc.TmpDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create launch directory: %w", err)
		}
	}
	return lc, nil
}

// ParamsPath is where the rewritten parameter document is written.
func (lc *LaunchContext) ParamsPath() string {
	return filepath.Join(lc.Root, paramsFileName)
}

// ElementKey is the provision map key of an array element or secondary file:
// "identifier:remoteRef".
func ElementKey(id, ref string) string {
	return id + ":" + ref
}

// ProvisionMap maps identifier[:remoteRef] to the staged file. Keys are
// written once; it is safe for concurrent use.
type ProvisionMap struct {
	mu      sync.RWMutex
	entries map[string]*model.FileStageInfo
}

// NewProvisionMap creates an empty ProvisionMap.
func NewProvisionMap() *ProvisionMap {
	return &ProvisionMap{entries: make(map[string]*model.FileStageInfo)}
}

// Put stores info under key. It returns false, leaving the map unchanged,
// when key is already present.
func (m *ProvisionMap) Put(key string, info *model.FileStageInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; exists {
		return false
	}
	m.entries[key] = info
	return true
}

// Get returns the entry for key.
func (m *ProvisionMap) Get(key string) (*model.FileStageInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.entries[key]
	return info, ok
}

// Delete removes key.
func (m *ProvisionMap) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len returns the number of entries.
func (m *ProvisionMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Keys returns all keys in sorted order.
func (m *ProvisionMap) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OutputDestination lists where one output identifier is uploaded to.
type OutputDestination struct {
	Identifier string
	Entries    []*model.FileStageInfo
}

// IsDirectory reports whether the destination is a single directory that
// receives every file the engine produced for the identifier.
func (d *OutputDestination) IsDirectory() bool {
	return len(d.Entries) == 1 && d.Entries[0].IsDirectory
}

// OutputMap maps output identifiers to destinations, keeping declaration order.
type OutputMap struct {
	mu    sync.RWMutex
	order []string
	dests map[string]*OutputDestination
}

// NewOutputMap creates an empty OutputMap.
func NewOutputMap() *OutputMap {
	return &OutputMap{dests: make(map[string]*OutputDestination)}
}

// Put stores d. It returns false when the identifier is already present.
func (m *OutputMap) Put(d *OutputDestination) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.dests[d.Identifier]; exists {
		return false
	}
	m.dests[d.Identifier] = d
	m.order = append(m.order, d.Identifier)
	return true
}

// Get returns the destination for id.
func (m *OutputMap) Get(id string) (*OutputDestination, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dests[id]
	return d, ok
}

// All returns the destinations in insertion order.
func (m *OutputMap) All() []*OutputDestination {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*OutputDestination, len(m.order))
	for i, id := range m.order {
		out[i] = m.dests[id]
	}
	return out
}

// Len returns the number of identifiers.
func (m *OutputMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}
