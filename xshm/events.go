package xshm

import "xshm/platform"

// channelEvents is the data/space event pair for one ring direction (§6).
type channelEvents struct {
	data  *platform.Event
	space *platform.Event
}

// sharedEvents is the seven named events backing one server/client pair:
// a data+space pair per direction, plus connect_req/connect_ack/disconnect
// for the handshake and teardown protocol.
type sharedEvents struct {
	s2c        channelEvents
	c2s        channelEvents
	connectAck *platform.Event
	connectReq *platform.Event
	disconnect *platform.Event
}

type eventOpener func(path string) (*platform.Event, error)

func buildSharedEvents(dir, base string, open eventOpener) (*sharedEvents, error) {
	paths := [7]string{
		EventPath(dir, base, ServerToClient, eventDataSuffix),
		EventPath(dir, base, ServerToClient, eventSpaceSuffix),
		EventPath(dir, base, ClientToServer, eventDataSuffix),
		EventPath(dir, base, ClientToServer, eventSpaceSuffix),
		EventPath(dir, base, ServerToClient, eventConnectSuffix),
		EventPath(dir, base, ClientToServer, eventConnectReqSuffix),
		EventPath(dir, base, ServerToClient, eventDisconnectSuffix),
	}
	var handles [7]*platform.Event
	for i, p := range paths {
		h, err := open(p)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = handles[j].Close()
			}
			return nil, wrapPlatform(0, "opening named event "+p, err)
		}
		handles[i] = h
	}
	return &sharedEvents{
		s2c:        channelEvents{data: handles[0], space: handles[1]},
		c2s:        channelEvents{data: handles[2], space: handles[3]},
		connectAck: handles[4],
		connectReq: handles[5],
		disconnect: handles[6],
	}, nil
}

// createSharedEvents creates all seven event FIFOs, called by the server.
func createSharedEvents(dir, base string) (*sharedEvents, error) {
	return buildSharedEvents(dir, base, platform.CreateEvent)
}

// openSharedEvents opens event FIFOs created by the peer server, called by
// the client.
func openSharedEvents(dir, base string) (*sharedEvents, error) {
	return buildSharedEvents(dir, base, platform.OpenEvent)
}

func (e *sharedEvents) close() {
	for _, ev := range []*platform.Event{e.s2c.data, e.s2c.space, e.c2s.data, e.c2s.space, e.connectAck, e.connectReq, e.disconnect} {
		_ = ev.Close()
	}
}

// remove deletes all seven FIFOs; called by the owning server on teardown.
func removeSharedEvents(dir, base string) {
	_ = platform.RemoveEvent(EventPath(dir, base, ServerToClient, eventDataSuffix))
	_ = platform.RemoveEvent(EventPath(dir, base, ServerToClient, eventSpaceSuffix))
	_ = platform.RemoveEvent(EventPath(dir, base, ClientToServer, eventDataSuffix))
	_ = platform.RemoveEvent(EventPath(dir, base, ClientToServer, eventSpaceSuffix))
	_ = platform.RemoveEvent(EventPath(dir, base, ServerToClient, eventConnectSuffix))
	_ = platform.RemoveEvent(EventPath(dir, base, ClientToServer, eventConnectReqSuffix))
	_ = platform.RemoveEvent(EventPath(dir, base, ServerToClient, eventDisconnectSuffix))
}
