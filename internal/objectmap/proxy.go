// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objectmap

import "sync"

// Proxy to the Map. It serializes requests coming to the map from parallel
// object I/O and also improves cache locality since the map is always
// traversed by the same go routine.
type Proxy struct {
	// Channels for internal communication specific to one type of request.
	updateChan chan updateRequest
	lookupChan chan lookupRequest
	resizeChan chan resizeRequest

	// General channel used for requests needing the whole map.
	lockChan chan lockRequest

	quit     chan struct{}
	stopOnce sync.Once

	instance *Map
	dirty    bool
}

// Internal request structures just for wrapping the function calls into the
// channel communication.

type updateRequest struct {
	objectno uint64
	state    State
	done     chan struct{}
}

type lookupRequest struct {
	objectno uint64
	reply    chan State
}

type resizeRequest struct {
	objects uint64
	done    chan struct{}
}

type lockRequest struct {
	fn   func(m *Map)
	done chan struct{}
}

// Returns proxy which can be directly used. It spawns one worker which handles
// all serialized requests.
func NewProxy(instance *Map) *Proxy {
	p := &Proxy{
		updateChan: make(chan updateRequest),
		lookupChan: make(chan lookupRequest),
		resizeChan: make(chan resizeRequest),
		lockChan:   make(chan lockRequest),
		quit:       make(chan struct{}),
		instance:   instance,
	}

	go p.worker()

	return p
}

// Stops the worker. The proxy must not be used afterwards.
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
}

// Sets state of the object.
func (p *Proxy) Set(objectno uint64, s State) {
	done := make(chan struct{})
	p.updateChan <- updateRequest{objectno, s, done}
	<-done
}

// Returns state of the object.
func (p *Proxy) Get(objectno uint64) State {
	reply := make(chan State)
	p.lookupChan <- lookupRequest{objectno, reply}
	return <-reply
}

// Resizes the map.
func (p *Proxy) Resize(objects uint64) {
	done := make(chan struct{})
	p.resizeChan <- resizeRequest{objects, done}
	<-done
}

// Serializes the map if it changed since the last call. Returns nil when
// there is nothing new to persist.
func (p *Proxy) SerializeDirty() ([]byte, error) {
	var buf []byte
	var err error

	p.locked(func(m *Map) {
		if !p.dirty {
			return
		}
		buf, err = m.Serialize()
		if err == nil {
			p.dirty = false
		}
	})

	return buf, err
}

// Marks the map as changed, e.g. when its persistence failed.
func (p *Proxy) MarkDirty() {
	p.locked(func(m *Map) {
		p.dirty = true
	})
}

// Returns numbers of existing objects.
func (p *Proxy) Existing() []uint64 {
	var existing []uint64
	p.locked(func(m *Map) {
		existing = m.Existing()
	})

	return existing
}

func (p *Proxy) locked(fn func(m *Map)) {
	done := make(chan struct{})
	p.lockChan <- lockRequest{fn, done}
	<-done
}

// Worker is doing serialization of the requests. Updates and lookups have
// highest priority. All other requests are low priority.
func (p *Proxy) worker() {
	for {
		select {
		case u := <-p.updateChan:
			p.update(u)

		case l := <-p.lookupChan:
			l.reply <- p.instance.Get(l.objectno)

		default:
			select {
			case u := <-p.updateChan:
				p.update(u)

			case l := <-p.lookupChan:
				l.reply <- p.instance.Get(l.objectno)

			case r := <-p.resizeChan:
				p.instance.Resize(r.objects)
				p.dirty = true
				r.done <- struct{}{}

			case l := <-p.lockChan:
				l.fn(p.instance)
				l.done <- struct{}{}

			case <-p.quit:
				return
			}
		}
	}
}

func (p *Proxy) update(r updateRequest) {
	if p.instance.Get(r.objectno) != r.state {
		p.instance.Set(r.objectno, r.state)
		p.dirty = true
	}
	r.done <- struct{}{}
}
