package room

import (
	"fmt"

	"github.com/UpstreetAI/multiplayer/internal/wire"
	"github.com/UpstreetAI/multiplayer/pkg/metrics"
)

// dispatch routes one inbound frame. Routing is by method class and is
// not exclusive: every class that recognizes the method runs. Methods no
// class recognizes are dropped silently.
func (rm *Room) dispatch(s *Session, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			rm.log.Error("dispatch.panic", "room", rm.name, "player", s.playerID, "err", r)
			s.sendError(fmt.Sprintf("%v", r))
		}
	}()

	msg, err := wire.Decode(raw)
	if err != nil {
		s.sendError("malformed frame")
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	handled := false

	if rm.data.HandlesMethod(msg.Method) {
		handled = true
		metrics.FramesDispatched.WithLabelValues("data").Inc()
		res := rm.data.Apply(msg)
		if res.Rollback != nil {
			rm.respondToSelf(s, res.Rollback)
		}
		if res.Update != nil {
			rm.proxyMessageToPeers(s, raw)
			rm.persistData(res.Update)
		}
	}

	if rm.doc.HandlesMethod(msg.Method) {
		handled = true
		metrics.FramesDispatched.WithLabelValues("doc").Inc()
		rm.doc.ApplyUpdate(msg.Bytes(0))
		rm.proxyMessageToPeers(s, raw)
	}

	if rm.locks.HandlesMethod(msg.Method) {
		handled = true
		metrics.FramesDispatched.WithLabelValues("lock").Inc()
		rm.locks.Handle(msg)
	}

	if wire.IsChat(msg.Method) {
		handled = true
		metrics.FramesDispatched.WithLabelValues("chat").Inc()
		rm.reflectMessageToPeers(raw)
	}

	if wire.IsMedia(msg.Method) {
		handled = true
		metrics.FramesDispatched.WithLabelValues("media").Inc()
		rm.proxyMessageToPeers(s, raw)
	}

	if !handled {
		metrics.FramesDispatched.WithLabelValues("unknown").Inc()
	}
}
