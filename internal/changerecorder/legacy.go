package changerecorder

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pimkit/pimsync/api"
)

// Legacy versions 1 and 2 kept the same overall record shape as v3 but
// referenced items through an "entity envelope" (id plus denormalized
// remote id/mime type/parent ids) instead of a bare id list. The core
// never needed the rest of that context, so loading keeps the id and the
// remote id and discards the mime type and parent ids.
func decodeLegacyBinary(data []byte) (notifications []*api.Notification, version uint32, startOffset uint64, err error) {
	if len(data) < 16 {
		return nil, 0, 0, fmt.Errorf("legacy journal too short: %d bytes", len(data))
	}
	r := bytes.NewReader(data)

	var word uint64
	if err := binary.Read(r, binary.LittleEndian, &word); err != nil {
		return nil, 0, 0, err
	}
	version, count := decodeHeaderWord(word)
	if version != 1 && version != 2 {
		return nil, version, 0, fmt.Errorf("unsupported legacy journal version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &startOffset); err != nil {
		return nil, version, 0, fmt.Errorf("reading start_offset: %w", err)
	}

	for i := uint32(0); i < count; i++ {
		n, err := decodeLegacyRecord(r)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return notifications, version, startOffset, err
		}
		notifications = append(notifications, n)
	}
	return notifications, version, startOffset, nil
}

func decodeLegacyRecord(r io.Reader) (*api.Notification, error) {
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

	var envelopeCount uint32
	if err := binary.Read(r, binary.LittleEndian, &envelopeCount); err != nil {
		return nil, err
	}
	n.Items = make([]api.EntityRef, envelopeCount)
	for i := range n.Items {
		var id int64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, err
		}
		remoteID, err := readBytesField(r)
		if err != nil {
			return nil, err
		}
		if _, err := readBytesField(r); err != nil { // mime type, unused
			return nil, err
		}
		var parentCol, parentDestCol int64
		if err := binary.Read(r, binary.LittleEndian, &parentCol); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &parentDestCol); err != nil {
			return nil, err
		}
		n.Items[i] = api.EntityRef{ID: api.EntityID(id), RemoteID: remoteID}
	}

	return n, nil
}

// legacyV0Entry is one `ChangeRecorder/change/N` group from the version-0
// settings file.
type legacyV0Entry struct {
	Type          string
	Op            string
	UID           int64
	RemoteID      string
	Resource      string
	ParentCol     int64
	ParentDestCol int64
	MimeType      string
	ItemParts     string
}

// parseLegacyV0Settings reads the INI-style settings file format used
// before the binary journal existed. There is no third-party INI library
// in the dependency set that speaks this particular ad hoc grouped-key
// format, so this is a small hand-rolled scanner.
func parseLegacyV0Settings(r io.Reader) ([]legacyV0Entry, error) {
	scanner := bufio.NewScanner(r)

	var entries []legacyV0Entry
	var current *legacyV0Entry
	var currentIndex = -1

	flush := func() {
		if current != nil {
			entries = append(entries, *current)
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			group := line[1 : len(line)-1]
			if !strings.HasPrefix(group, "ChangeRecorder/change/") {
				current = nil
				continue
			}
			idx, err := strconv.Atoi(strings.TrimPrefix(group, "ChangeRecorder/change/"))
			if err != nil {
				current = nil
				continue
			}
			flush()
			currentIndex = idx
			current = &legacyV0Entry{}
			_ = currentIndex
			continue
		}
		if current == nil {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "type":
			current.Type = value
		case "op":
			current.Op = value
		case "uid":
			current.UID, _ = strconv.ParseInt(value, 10, 64)
		case "remoteId":
			current.RemoteID = value
		case "resource":
			current.Resource = value
		case "parentCol":
			current.ParentCol, _ = strconv.ParseInt(value, 10, 64)
		case "parentDestCol":
			current.ParentDestCol, _ = strconv.ParseInt(value, 10, 64)
		case "mimeType":
			current.MimeType = value
		case "itemParts":
			current.ItemParts = value
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func legacyV0TypeToNotificationType(s string) api.NotificationType {
	switch s {
	case "Collection":
		return api.NotificationCollection
	case "Tag":
		return api.NotificationTag
	default:
		return api.NotificationItem
	}
}

func legacyV0OpToOperation(s string) api.Operation {
	switch s {
	case "Add":
		return api.OpAdd
	case "ModifyFlags":
		return api.OpModifyFlags
	case "Move":
		return api.OpMove
	case "Remove":
		return api.OpRemove
	case "Link":
		return api.OpLink
	case "Unlink":
		return api.OpUnlink
	default:
		return api.OpModify
	}
}

// entriesToNotifications turns parsed v0 entries into placeholder
// notifications: one entity ref per entry, referencing the item by id
// only. The caller still needs to fetch those items from the server and
// ensure they land in the entity cache (spec.md's
// fetch_items_for_legacy_notifications); this function only does the
// parsing/shape half of migration.
func entriesToNotifications(entries []legacyV0Entry) []*api.Notification {
	out := make([]*api.Notification, 0, len(entries))
	for _, e := range entries {
		n := &api.Notification{
			Type:                  legacyV0TypeToNotificationType(e.Type),
			Operation:             legacyV0OpToOperation(e.Op),
			Resource:              []byte(e.Resource),
			SourceCollection:      api.EntityID(e.ParentCol),
			DestinationCollection: api.EntityID(e.ParentDestCol),
			MimeType:              e.MimeType,
			Items:                 []api.EntityRef{{ID: api.EntityID(e.UID), RemoteID: []byte(e.RemoteID)}},
		}
		if e.ItemParts != "" {
			n.ChangedParts = map[string]struct{}{}
			for _, part := range strings.Split(e.ItemParts, ",") {
				n.ChangedParts[part] = struct{}{}
			}
		}
		out = append(out, n)
	}
	return out
}
