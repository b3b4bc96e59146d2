package player

// SeekMode selects how Seek interprets its ms argument.
type SeekMode int

const (
	SeekPosition SeekMode = iota
	SeekRelative
)

// RepeatMode controls what happens when playing_now runs off the end of
// the queue.
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatSong
	RepeatAll
)

// seekResult is the outcome of resolving a seek request against the
// current track's bounds: which track to land on, and at what position.
type seekResult struct {
	trackDelta int // -1 previous, 0 current, +1 next
	posMS      int
}

// resolveSeek implements the seek semantics from the component design:
// RELATIVE seeks that go negative jump to the previous track if we're
// less than 3s into the current one (otherwise clamp to 0); RELATIVE
// seeks past the track end advance to the next track at 0; POSITION
// seeks past the track length likewise advance to the next track at 0.
func resolveSeek(mode SeekMode, ms int, curPosMS, curLengthMS, prevLengthMS int) seekResult {
	switch mode {
	case SeekRelative:
		target := curPosMS + ms
		if target < 0 {
			if curPosMS < 3000 {
				newPos := prevLengthMS + ms
				if newPos < 0 {
					newPos = 0
				}
				return seekResult{trackDelta: -1, posMS: newPos}
			}
			return seekResult{trackDelta: 0, posMS: 0}
		}
		if target >= curLengthMS {
			return seekResult{trackDelta: 1, posMS: 0}
		}
		return seekResult{trackDelta: 0, posMS: target}
	default: // SeekPosition
		if ms >= curLengthMS {
			return seekResult{trackDelta: 1, posMS: 0}
		}
		if ms < 0 {
			ms = 0
		}
		return seekResult{trackDelta: 0, posMS: ms}
	}
}
