package train

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fumitoshi0524/g2pNet/nn"
)

const (
	ckptWeightsFile = "weights.json"
	ckptMetaFile    = "meta.json"
)

// ErrNoCheckpoint reports that no snapshot carries the requested metric.
// Store corruption and I/O failures surface as distinct errors.
var ErrNoCheckpoint = errors.New("no matching checkpoint")

// Snapshot is one saved checkpoint on disk.
type Snapshot struct {
	Dir  string
	Meta CkptMeta
}

// CkptMeta is the metadata record stored beside the weights.
type CkptMeta struct {
	Step    string             `json:"step"`
	Epoch   int                `json:"epoch"`
	Metrics map[string]float64 `json:"metrics"`
}

// Checkpointer saves model snapshots into uuid-named directories under its
// root and enforces a keep-only-best retention policy.
type Checkpointer struct {
	root string
}

func NewCheckpointer(root string) (*Checkpointer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "create checkpoint root")
	}
	return &Checkpointer{root: root}, nil
}

// Save writes a snapshot and then deletes every snapshot matching the
// predicate except the one minimizing meta.Metrics[minKey]. Snapshots the
// predicate rejects are left alone.
func (c *Checkpointer) Save(model nn.StatefulModule, meta CkptMeta, minKey string, predicate func(map[string]float64) bool) error {
	dir := filepath.Join(c.root, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}
	if err := nn.SaveModule(filepath.Join(dir, ckptWeightsFile), model); err != nil {
		return errors.Wrap(err, "save weights")
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode checkpoint meta")
	}
	if err := os.WriteFile(filepath.Join(dir, ckptMetaFile), raw, 0o644); err != nil {
		return errors.Wrap(err, "write checkpoint meta")
	}
	return c.retainBest(minKey, predicate)
}

func (c *Checkpointer) retainBest(minKey string, predicate func(map[string]float64) bool) error {
	snaps, err := c.List()
	if err != nil {
		return err
	}
	best := bestSnapshot(snaps, minKey, predicate)
	if best < 0 {
		return nil
	}
	for i, snap := range snaps {
		if i == best {
			continue
		}
		if predicate != nil && !predicate(snap.Meta.Metrics) {
			continue
		}
		if _, ok := snap.Meta.Metrics[minKey]; !ok {
			continue
		}
		if err := os.RemoveAll(snap.Dir); err != nil {
			return errors.Wrap(err, "prune checkpoint")
		}
	}
	return nil
}

func bestSnapshot(snaps []Snapshot, minKey string, predicate func(map[string]float64) bool) int {
	best := -1
	bestVal := math.Inf(1)
	for i, snap := range snaps {
		if predicate != nil && !predicate(snap.Meta.Metrics) {
			continue
		}
		val, ok := snap.Meta.Metrics[minKey]
		if !ok {
			continue
		}
		if val < bestVal {
			bestVal = val
			best = i
		}
	}
	return best
}

// List reads every snapshot under the root.
func (c *Checkpointer) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, errors.Wrap(err, "list checkpoints")
	}
	var out []Snapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(c.root, entry.Name())
		raw, err := os.ReadFile(filepath.Join(dir, ckptMetaFile))
		if err != nil {
			continue
		}
		var meta CkptMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, errors.Wrapf(err, "decode meta in %s", dir)
		}
		out = append(out, Snapshot{Dir: dir, Meta: meta})
	}
	return out, nil
}

// LoadBest restores the snapshot minimizing minKey among those matching
// the predicate into model and returns it.
func (c *Checkpointer) LoadBest(model nn.StatefulModule, minKey string, predicate func(map[string]float64) bool) (Snapshot, error) {
	snaps, err := c.List()
	if err != nil {
		return Snapshot{}, err
	}
	best := bestSnapshot(snaps, minKey, predicate)
	if best < 0 {
		return Snapshot{}, errors.Wrapf(ErrNoCheckpoint, "metric %q", minKey)
	}
	snap := snaps[best]
	if model != nil {
		if err := nn.LoadModule(filepath.Join(snap.Dir, ckptWeightsFile), model); err != nil {
			return Snapshot{}, errors.Wrap(err, "load best checkpoint")
		}
	}
	return snap, nil
}

// ExportBest copies the best snapshot's weights to path as a deployable
// artifact.
func (c *Checkpointer) ExportBest(path, minKey string, predicate func(map[string]float64) bool) error {
	snaps, err := c.List()
	if err != nil {
		return err
	}
	best := bestSnapshot(snaps, minKey, predicate)
	if best < 0 {
		return errors.Wrapf(ErrNoCheckpoint, "export metric %q", minKey)
	}
	raw, err := os.ReadFile(filepath.Join(snaps[best].Dir, ckptWeightsFile))
	if err != nil {
		return errors.Wrap(err, "read best weights")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create export dir")
	}
	return errors.Wrap(os.WriteFile(path, raw, 0o644), "write export")
}
