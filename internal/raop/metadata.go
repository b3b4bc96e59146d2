package raop

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"golang.org/x/text/unicode/norm"

	"github.com/tobiasen/meridian/internal/collab"
)

// preparedMetadata is what MetadataPrepare hands back to the registry for
// a later MetadataSend: the DMAP-tagged track listing, ready to ship as
// an RTSP SET_PARAMETER body.
type preparedMetadata struct {
	id   int
	body []byte
}

func dmapTag(tag string, value []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	buf.Write(lenBuf[:])
	buf.Write(value)
	return buf.Bytes()
}

// dmapString NFC-normalizes value before tagging it so device-side text
// rendering matches what the catalog stored, regardless of which Unicode
// normal form the source metadata arrived in.
func dmapString(tag, value string) []byte {
	return dmapTag(tag, []byte(norm.NFC.String(value)))
}

func dmapUint32(tag string, value uint32) []byte {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], value)
	return dmapTag(tag, v[:])
}

// encodeNowPlaying packages title/artist/album/length into the DMAP
// "mlit" listing-item container RAOP devices expect in the
// daap.nowplaying SET_PARAMETER body.
func encodeNowPlaying(tm *collab.TrackMetadata) []byte {
	var body bytes.Buffer
	body.Write(dmapUint32("mikd", 2)) // item kind: 2 = music track
	body.Write(dmapString("minm", tm.Title))
	body.Write(dmapString("asar", tm.Artist))
	body.Write(dmapString("asal", tm.Album))
	body.Write(dmapUint32("astm", uint32(tm.LengthMS)))
	return dmapTag("mlit", body.Bytes())
}

// MetadataPrepare packages meta (expected to be *collab.TrackMetadata)
// into a DMAP body tagged with id; backends with nothing to package, or
// callers passing metadata this backend doesn't understand, get nil.
func (b *Backend) MetadataPrepare(id int, meta any) any {
	tm, ok := meta.(*collab.TrackMetadata)
	if !ok || tm == nil {
		return nil
	}
	return &preparedMetadata{id: id, body: encodeNowPlaying(tm)}
}

// MetadataSend pushes a previously prepared DMAP body to every connected
// session via RTSP SET_PARAMETER. rtptime places it in the stream
// timeline for devices that use it to gate when to show it; this driver
// sends it in an RTP-Info header, ignores offset, and doesn't otherwise
// schedule the send.
func (b *Backend) MetadataSend(metadata any, rtptime, offset uint64, startup bool) {
	pm, ok := metadata.(*preparedMetadata)
	if !ok || pm == nil {
		return
	}

	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.state != StateConnected && s.state != StateStreaming {
			s.mu.Unlock()
			continue
		}
		conn := &rtspConn{conn: s.conn}
		_, _, err := conn.do(context.Background(), "SET_PARAMETER", s.url(), pm.body, s.nextCSeq(),
			headerField{"Content-Type", "application/x-dmap-tagged"},
			headerField{"RTP-Info", fmt.Sprintf("rtptime=%d", rtptime)})
		cseqErr := err
		s.mu.Unlock()
		if cseqErr != nil {
			slog.Debug("raop metadata send failed", "device", s.device.Name, "error", cseqErr)
		}
	}
}

// MetadataPurge is a no-op: this driver doesn't stage metadata beyond a
// single prepared body per call, so there's nothing queued to discard.
func (b *Backend) MetadataPurge() {}

// MetadataPrune is a no-op for the same reason as MetadataPurge.
func (b *Backend) MetadataPrune(rtptime uint64) {}
