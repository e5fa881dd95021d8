package miner

// PushNonce enqueues a raw frame for the dispatch thread and wakes one
// waiter (§3 "nlist"/"nstore", producer: receiver).
func (ds *DeviceState) PushNonce(ev NonceEvent) {
	ds.NLock.Lock()
	ds.NList = append(ds.NList, ev)
	ds.NLock.Unlock()
	ds.NCond.Signal()
}

// WatchStop arranges for a blocked PopNonce to wake and observe stop
// closing. Callers (the nonce-dispatch thread's owner) should invoke this
// once per DeviceState lifetime; it returns once stop closes.
func (ds *DeviceState) WatchStop(stop <-chan struct{}) {
	<-stop
	ds.NCond.Broadcast()
}

// PopNonce blocks until a nonce event is available or stop closes,
// matching the dispatch thread's consumption of the MPSC queue (§4.3
// nlock/ncond). Callers must also run WatchStop(stop) once in a separate
// goroutine so a close of stop actually wakes a blocked PopNonce.
func (ds *DeviceState) PopNonce(stop <-chan struct{}) (NonceEvent, bool) {
	ds.NLock.Lock()
	defer ds.NLock.Unlock()

	for len(ds.NList) == 0 {
		select {
		case <-stop:
			return NonceEvent{}, false
		default:
		}
		ds.NCond.Wait()
	}

	select {
	case <-stop:
		return NonceEvent{}, false
	default:
	}

	ev := ds.NList[0]
	ds.NList = ds.NList[1:]
	return ev, true
}
