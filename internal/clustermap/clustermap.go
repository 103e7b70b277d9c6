// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package clustermap reads and bootstraps the cluster map. The map is a small
// YAML document stored as an object in the cluster. It identifies the cluster
// and states the protocol version the data layout follows, so clients refuse
// clusters they do not understand.
package clustermap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/asch/rbd/store"
)

const (
	// Name of the object holding the map.
	Object = "rbd_cluster_map"

	// Protocol version written by this client.
	ProtocolVersion = "1.0.0"

	// Versions this client can talk to.
	SupportedProtocol = "^1.0.0"
)

// Returned when the cluster uses a protocol this client does not support.
var ErrIncompatible = errors.New("incompatible cluster protocol")

// Map describes the cluster.
type Map struct {
	FSID     string    `yaml:"fsid"`
	Epoch    uint64    `yaml:"epoch"`
	Protocol string    `yaml:"protocol"`
	Created  time.Time `yaml:"created"`
	Modified time.Time `yaml:"modified"`
	Monitors []string  `yaml:"monitors"`
}

// New returns a fresh map of a new cluster.
func New(monitors []string) *Map {
	now := time.Now().UTC()

	return &Map{
		FSID:     uuid.NewString(),
		Epoch:    1,
		Protocol: ProtocolVersion,
		Created:  now,
		Modified: now,
		Monitors: monitors,
	}
}

// Decode parses the map and checks its protocol version.
func Decode(buf []byte) (*Map, error) {
	var m Map
	if err := yaml.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("failed to parse cluster map: %w", err)
	}

	if _, err := uuid.Parse(m.FSID); err != nil {
		return nil, fmt.Errorf("invalid cluster fsid %q: %w", m.FSID, err)
	}

	if err := m.CheckProtocol(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Encode serializes the map.
func (m *Map) Encode() ([]byte, error) {
	return yaml.Marshal(m)
}

// CheckProtocol verifies that the map protocol satisfies SupportedProtocol.
func (m *Map) CheckProtocol() error {
	v, err := semver.NewVersion(m.Protocol)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrIncompatible, m.Protocol, err)
	}

	c, err := semver.NewConstraint(SupportedProtocol)
	if err != nil {
		return err
	}

	if !c.Check(v) {
		return fmt.Errorf("%w: cluster speaks %s, client supports %s", ErrIncompatible, v, SupportedProtocol)
	}

	return nil
}

// Fetch reads the map from the cluster. When there is none and bootstrap is
// set, a new map is created. Concurrent bootstraps are resolved by exclusive
// creation, the loser reads the winner's map.
func Fetch(ctx context.Context, s store.ObjectStore, monitors []string, bootstrap bool) (*Map, error) {
	buf, err := store.ReadAll(ctx, s, Object)
	if err == nil {
		return Decode(buf)
	}
	if !errors.Is(err, store.ErrNotExist) || !bootstrap {
		return nil, err
	}

	m := New(monitors)
	buf, err = m.Encode()
	if err != nil {
		return nil, err
	}

	err = s.Create(ctx, Object, buf)
	if errors.Is(err, store.ErrExist) {
		return Fetch(ctx, s, monitors, false)
	}
	if err != nil {
		return nil, err
	}

	return m, nil
}
