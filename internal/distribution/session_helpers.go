package distribution

import (
	"sync/atomic"

	"github.com/zsiec/avcmux/internal/media"
)

// trySendVideo queues au for a viewer without blocking. Once any frame of a
// group has been dropped the rest of the group is dropped too, up to the
// next keyframe.
func trySendVideo(
	au *media.AccessUnit,
	videoCh chan *media.AccessUnit,
	damagedGroup *atomic.Uint32,
	videoSent *atomic.Int64,
	videoDropped *atomic.Int64,
) {
	if au.IsKeyframe {
		damagedGroup.Store(0)
	} else if damagedGroup.Load() == au.GroupID {
		videoDropped.Add(1)
		return
	}

	select {
	case videoCh <- au:
		videoSent.Add(1)
	default:
		videoDropped.Add(1)
		damagedGroup.Store(au.GroupID)
	}
}
