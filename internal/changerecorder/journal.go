// Package changerecorder implements the durable, at-least-once change
// journal described in spec.md section 4.4: it sits behind a Monitor,
// persists every accepted notification before any listener observes it,
// and drives an explicit replay/ack loop across restarts.
package changerecorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pimkit/pimsync/api"
)

// currentVersion is encoded in the top 32 bits of the journal header word;
// bump it when the per-notification encoding changes, and teach decode to
// dispatch on the version it reads (spec.md's "journal versioning" note).
const currentVersion uint32 = 3

// journalHeader is the first 16 bytes of a version >= 1 journal file.
type journalHeader struct {
	Version     uint32
	Count       uint32
	StartOffset uint64
}

func (h journalHeader) headerWord() uint64 {
	return uint64(h.Version)<<32 | uint64(h.Count)
}

func decodeHeaderWord(word uint64) (version, count uint32) {
	return uint32(word >> 32), uint32(word & 0xFFFFFFFF)
}

// encodeJournal serializes header and notifications in the current (v3)
// format.
func encodeJournal(notifications []*api.Notification, startOffset uint64) ([]byte, error) {
	var buf bytes.Buffer
	h := journalHeader{Version: currentVersion, Count: uint32(len(notifications)), StartOffset: startOffset}
	if err := binary.Write(&buf, binary.LittleEndian, h.headerWord()); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, h.StartOffset); err != nil {
		return nil, err
	}
	for _, n := range notifications {
		if err := encodeNotificationV3(&buf, n); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// encodeHeaderOnly rewrites just the 16-byte header prefix in place,
// implementing spec.md's "only the header is rewritten" compaction path.
func encodeHeaderOnly(count uint32, startOffset uint64) []byte {
	var buf bytes.Buffer
	h := journalHeader{Version: currentVersion, Count: count, StartOffset: startOffset}
	binary.Write(&buf, binary.LittleEndian, h.headerWord())
	binary.Write(&buf, binary.LittleEndian, h.StartOffset)
	return buf.Bytes()
}

// decodeJournal parses a whole journal file. A truncated final record (a
// partial tail from a crash mid-write) is ignored rather than treated as
// an error; the caller is expected to set needs_full_save in that case.
func decodeJournal(data []byte) (notifications []*api.Notification, startOffset uint64, truncated bool, err error) {
	if len(data) < 8 {
		return nil, 0, false, fmt.Errorf("journal too short for header: %d bytes", len(data))
	}
	r := bytes.NewReader(data)

	var word uint64
	if err := binary.Read(r, binary.LittleEndian, &word); err != nil {
		return nil, 0, false, err
	}
	version, count := decodeHeaderWord(word)

	if version >= 1 {
		if err := binary.Read(r, binary.LittleEndian, &startOffset); err != nil {
			return nil, 0, false, fmt.Errorf("reading start_offset: %w", err)
		}
	}

	for i := uint32(0); i < count; i++ {
		n, err := decodeNotificationV3(r)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return notifications, startOffset, true, nil
		}
		if err != nil {
			return notifications, startOffset, true, nil
		}
		notifications = append(notifications, n)
	}
	return notifications, startOffset, false, nil
}

func encodeNotificationV3(w io.Writer, n *api.Notification) error {
	if err := binary.Write(w, binary.LittleEndian, int32(n.Type)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int32(n.Operation)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int64(n.SourceCollection)); err != nil {
		return err
	}
	if err := writeBytesField(w, n.Resource); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int64(n.DestinationCollection)); err != nil {
		return err
	}
	if err := writeBytesField(w, n.DestinationResource); err != nil {
		return err
	}
	if err := writeStringSet(w, n.AddedFlags); err != nil {
		return err
	}
	if err := writeStringSet(w, n.RemovedFlags); err != nil {
		return err
	}
	if err := writeStringSet(w, n.ChangedParts); err != nil {
		return err
	}
	ids := make([]int64, len(n.Items))
	for i, item := range n.Items {
		ids[i] = int64(item.ID)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		if err := binary.Write(w, binary.LittleEndian, id); err != nil {
			return err
		}
	}
	return nil
}

func decodeNotificationV3(r io.Reader) (*api.Notification, error) {
	n := &api.Notification{}

	var typ, op int32
	if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &op); err != nil {
		return nil, err
	}
	n.Type = api.NotificationType(typ)
	n.Operation = api.Operation(op)

	var src int64
	if err := binary.Read(r, binary.LittleEndian, &src); err != nil {
		return nil, err
	}
	n.SourceCollection = api.EntityID(src)

	resource, err := readBytesField(r)
	if err != nil {
		return nil, err
	}
	n.Resource = resource

	var dst int64
	if err := binary.Read(r, binary.LittleEndian, &dst); err != nil {
		return nil, err
	}
	n.DestinationCollection = api.EntityID(dst)

	destResource, err := readBytesField(r)
	if err != nil {
		return nil, err
	}
	n.DestinationResource = destResource

	if n.AddedFlags, err = readStringSet(r); err != nil {
		return nil, err
	}
	if n.RemovedFlags, err = readStringSet(r); err != nil {
		return nil, err
	}
	if n.ChangedParts, err = readStringSet(r); err != nil {
		return nil, err
	}

	var itemCount uint32
	if err := binary.Read(r, binary.LittleEndian, &itemCount); err != nil {
		return nil, err
	}
	n.Items = make([]api.EntityRef, itemCount)
	for i := range n.Items {
		var id int64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, err
		}
		n.Items[i] = api.EntityRef{ID: api.EntityID(id)}
	}

	return n, nil
}

func writeBytesField(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytesField(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeStringSet(w io.Writer, set map[string]struct{}) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(set))); err != nil {
		return err
	}
	for s := range set {
		if err := writeBytesField(w, []byte(s)); err != nil {
			return err
		}
	}
	return nil
}

func readStringSet(r io.Reader) (map[string]struct{}, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, n)
	for i := uint32(0); i < n; i++ {
		b, err := readBytesField(r)
		if err != nil {
			return nil, err
		}
		set[string(b)] = struct{}{}
	}
	return set, nil
}
