// Package fallback supplies the snapshot a session runs on while the backend
// is unreachable.
package fallback

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/autopeer-io/fleetsync/internal/fleet"
	"github.com/autopeer-io/fleetsync/pkg/log"
)

//go:embed seed.yaml
var seed []byte

// Source loads a full, unfiltered snapshot.
type Source interface {
	Name() string
	Load(ctx context.Context) (fleet.Snapshot, error)
}

// Decode reads a snapshot document. JSON documents are accepted too.
func Decode(data []byte) (fleet.Snapshot, error) {
	var snap fleet.Snapshot
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&snap); err != nil {
		if errors.Is(err, io.EOF) {
			return fleet.Snapshot{}, nil
		}
		return fleet.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

type seedSource struct{}

// Seed returns the snapshot compiled into the binary.
func Seed() Source { return seedSource{} }

func (seedSource) Name() string { return "seed" }

func (seedSource) Load(context.Context) (fleet.Snapshot, error) {
	return Decode(seed)
}

// FileSource reads a snapshot document from disk.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file:" + s.Path }

func (s FileSource) Load(context.Context) (fleet.Snapshot, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return fleet.Snapshot{}, err
	}
	return Decode(data)
}

// Chain tries each source in order and returns the first snapshot that loads.
type Chain []Source

func (c Chain) Name() string { return "chain" }

func (c Chain) Load(ctx context.Context) (fleet.Snapshot, error) {
	var errs []error
	for _, src := range c {
		snap, err := src.Load(ctx)
		if err == nil {
			log.Debug("Loaded fallback snapshot", "source", src.Name(),
				"vehicles", len(snap.Vehicles), "devices", len(snap.Devices), "alarms", len(snap.Alarms))
			return snap, nil
		}
		log.Warn("Fallback source unavailable", "source", src.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return fleet.Snapshot{}, errors.New("no fallback source configured")
	}
	return fleet.Snapshot{}, errors.Join(errs...)
}

// Filter keeps the vehicles and devices of managerID and the alarms whose
// device survives. The input is not modified.
func Filter(snap fleet.Snapshot, managerID fleet.ManagerID) fleet.Snapshot {
	out := fleet.Snapshot{
		Vehicles: []fleet.Vehicle{},
		Devices:  []fleet.Device{},
		Alarms:   []fleet.Alarm{},
	}
	for _, v := range snap.Vehicles {
		if v.ManagerID == managerID {
			out.Vehicles = append(out.Vehicles, v)
		}
	}
	kept := make(map[fleet.DeviceID]struct{}, len(snap.Devices))
	for _, d := range snap.Devices {
		if d.ManagerID == managerID {
			kept[d.ID] = struct{}{}
			out.Devices = append(out.Devices, d.Clone())
		}
	}
	for _, a := range snap.Alarms {
		if _, ok := kept[a.DeviceID]; ok {
			out.Alarms = append(out.Alarms, a.Clone())
		}
	}
	return out
}
