// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objectmap tracks which backend objects of an image exist. Reads of
// objects known not to exist are answered without asking the cluster and
// copy-on-write decisions skip objects which were never written.
//
// The map is a plain array of states indexed by object number. Linear arrays
// are cheap: an image of 1TiB with 4MiB objects needs 256Ki bytes.
package objectmap

import (
	"bytes"
	"encoding/gob"
)

// State of one object.
type State uint8

const (
	Nonexistent State = iota
	Exists
)

// Map is serialized by gobs hence it has to be exported and all its
// attributes as well. The map does not support concurrent access, use Proxy.
type Map struct {
	States []State
}

// Returns new map of objects objects, none of them existing.
func New(objects uint64) *Map {
	return &Map{States: make([]State, objects)}
}

// Returns state of the object. Objects beyond the map do not exist.
func (m *Map) Get(objectno uint64) State {
	if objectno >= uint64(len(m.States)) {
		return Nonexistent
	}

	return m.States[objectno]
}

// Sets the state of the object, growing the map if needed.
func (m *Map) Set(objectno uint64, s State) {
	if objectno >= uint64(len(m.States)) {
		m.Resize(objectno + 1)
	}

	m.States[objectno] = s
}

// Resizes the map to objects objects. New objects do not exist.
func (m *Map) Resize(objects uint64) {
	if objects <= uint64(len(m.States)) {
		// Shrink with new backing array so the memory is released.
		states := make([]State, objects)
		copy(states, m.States)
		m.States = states
		return
	}

	m.States = append(m.States, make([]State, objects-uint64(len(m.States)))...)
}

// Returns numbers of all existing objects.
func (m *Map) Existing() []uint64 {
	existing := make([]uint64, 0)
	for i, s := range m.States {
		if s == Exists {
			existing = append(existing, uint64(i))
		}
	}

	return existing
}

// Returns serialized version of the map with go gobs.
func (m *Map) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Deserializes map from buf which was previously serialized by Serialize().
// The map is then resized to objects, since the image could have been
// resized by a client which did not maintain the map.
func Deserialize(buf []byte, objects uint64) (*Map, error) {
	m := new(Map)
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(m); err != nil {
		return nil, err
	}
	m.Resize(objects)

	return m, nil
}
