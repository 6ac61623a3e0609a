// Package notifysource owns the one subscription to the server's change
// stream (spec.md section 4.2): it issues SUBSCRIBE, decodes the line
// grammar into typed api.Notification records, validates batch counts,
// recognizes the end-of-fetch-context terminator, and re-subscribes when
// the underlying wire.Channel is lost. No filtering happens here; every
// accepted record is forwarded as-is to whatever owns the Notify signal
// (the Monitor).
package notifysource

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/pimkit/pimsync/api"
	"github.com/pimkit/pimsync/internal/metrics"
	"github.com/pimkit/pimsync/internal/wire"
)

// Line grammar (this core's own wire encoding; spec.md leaves the concrete
// syntax to the transport and only mandates the token set):
//
//	<type> <operation> [TOKEN(args) ...]
//
// tokens: SOURCE(id), DESTINATION(id), RESOURCE(name), DESTRESOURCE(name),
// ADDED(flag,flag,...), REMOVED(flag,flag,...), PARTS(part,part,...),
// ITEMS(id:rid,id:rid,...), SESSION(id), MIME(type).
//
// A multi-item event may instead be sent as:
//
//	BATCH <type> <operation> <count>
//	<count> single-item lines, each as above>
//	BATCHEND <count>
//
// and the count in BATCHEND must match the header or the whole batch is
// dropped (spec.md section 4.2, item 3).
//
// The stream terminator (id -1) is this exact line, not a typed record:
//
//	TERM -1

// EndOfStream is returned (instead of a *api.Notification) when the source
// observes the `TERM -1` marker, signaling end-of-stream for the current
// fetch context.
type EndOfStream struct{}

func (EndOfStream) Error() string { return "end of stream" }

// Source maintains the standing subscription and emits decoded
// notifications. Reconnection is transparent to callers of Notifications:
// the returned channel stays open across transport blips, closing only
// when ctx is canceled.
type Source struct {
	dial     func(ctx context.Context) (wire.Channel, error)
	clientID string
	log      logr.Logger
}

// New builds a Source. dial opens (or re-opens, after a transport failure)
// the underlying command channel.
func New(dial func(ctx context.Context) (wire.Channel, error), clientID string, log logr.Logger) *Source {
	return &Source{dial: dial, clientID: clientID, log: log}
}

// Notifications returns a channel of decoded records. It never closes on
// transport failure; instead it logs, backs off, and re-subscribes,
// matching spec.md's "connection loss is reported upward and the
// subscription is re-established when connectivity returns." It closes
// only when ctx is done.
func (s *Source) Notifications(ctx context.Context) <-chan *api.Notification {
	out := make(chan *api.Notification, 256)
	go func() {
		defer close(out)
		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.runOnce(ctx, out); err != nil {
				s.log.Error(err, "notification subscription lost, reconnecting", "backoff", backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
		}
	}()
	return out
}

func (s *Source) runOnce(ctx context.Context, out chan<- *api.Notification) error {
	ch, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing channel: %w", err)
	}
	defer ch.Close()

	lines, err := ch.Subscribe(ctx, s.clientID)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	for {
		select {
		case raw, ok := <-lines:
			if !ok {
				return fmt.Errorf("subscription stream closed")
			}
			if err := s.consume(ctx, raw, lines, out); err != nil {
				if _, eos := err.(EndOfStream); eos {
					continue
				}
				s.log.V(1).Info("dropping malformed notification", "line", raw, "error", err.Error())
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// consume decodes one line, expanding a BATCH header into its constituent
// records read from lines.
func (s *Source) consume(ctx context.Context, raw string, lines <-chan string, out chan<- *api.Notification) error {
	if raw == "TERM -1" {
		return EndOfStream{}
	}

	fields := strings.Fields(raw)
	if len(fields) >= 1 && fields[0] == "BATCH" {
		return s.consumeBatch(ctx, fields, lines, out)
	}

	n, err := decodeRecord(raw)
	if err != nil {
		return err
	}
	metrics.NotificationsReceived.WithLabelValues(n.Type.String()).Inc()
	select {
	case out <- n:
	case <-ctx.Done():
	}
	return nil
}

func (s *Source) consumeBatch(ctx context.Context, header []string, lines <-chan string, out chan<- *api.Notification) error {
	if len(header) != 4 {
		return fmt.Errorf("malformed batch header %q", strings.Join(header, " "))
	}
	count, err := strconv.Atoi(header[3])
	if err != nil || count < 0 {
		return fmt.Errorf("malformed batch count %q", header[3])
	}

	records := make([]*api.Notification, 0, count)
	for i := 0; i < count; i++ {
		select {
		case raw, ok := <-lines:
			if !ok {
				return fmt.Errorf("stream closed mid-batch")
			}
			n, err := decodeRecord(raw)
			if err != nil {
				return fmt.Errorf("malformed batch record %d: %w", i, err)
			}
			records = append(records, n)
		case <-ctx.Done():
			return nil
		}
	}

	select {
	case confirm, ok := <-lines:
		if !ok {
			return fmt.Errorf("stream closed before batch confirmation")
		}
		cf := strings.Fields(confirm)
		if len(cf) != 2 || cf[0] != "BATCHEND" {
			return fmt.Errorf("expected BATCHEND, got %q", confirm)
		}
		got, err := strconv.Atoi(cf[1])
		if err != nil || got != count {
			// spec.md section 4.2: drop the whole batch on mismatch.
			return fmt.Errorf("batch count mismatch: header %d, confirmation %q", count, confirm)
		}
	case <-ctx.Done():
		return nil
	}

	for _, n := range records {
		metrics.NotificationsReceived.WithLabelValues(n.Type.String()).Inc()
		select {
		case out <- n:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func decodeRecord(raw string) (*api.Notification, error) {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return nil, fmt.Errorf("too few fields in %q", raw)
	}

	typ, err := parseType(fields[0])
	if err != nil {
		return nil, err
	}
	op, err := parseOperation(fields[1])
	if err != nil {
		return nil, err
	}

	n := &api.Notification{
		Type:      typ,
		Operation: op,
	}

	for _, tok := range fields[2:] {
		name, args, err := splitToken(tok)
		if err != nil {
			return nil, err
		}
		switch name {
		case "SOURCE":
			id, err := parseEntityID(args)
			if err != nil {
				return nil, err
			}
			n.SourceCollection = id
		case "DESTINATION":
			id, err := parseEntityID(args)
			if err != nil {
				return nil, err
			}
			n.DestinationCollection = id
		case "RESOURCE":
			n.Resource = []byte(args)
		case "DESTRESOURCE":
			n.DestinationResource = []byte(args)
		case "SESSION":
			n.SessionID = []byte(args)
		case "MIME":
			n.MimeType = args
		case "ADDED":
			n.AddedFlags = tokenSet(args)
		case "REMOVED":
			n.RemovedFlags = tokenSet(args)
		case "PARTS":
			n.ChangedParts = tokenSet(args)
		case "ITEMS":
			items, err := parseItems(args)
			if err != nil {
				return nil, err
			}
			n.Items = items
		default:
			return nil, fmt.Errorf("unknown token %q", name)
		}
	}

	return n, nil
}

func splitToken(tok string) (name, args string, err error) {
	open := strings.IndexByte(tok, '(')
	if open < 0 || !strings.HasSuffix(tok, ")") {
		return "", "", fmt.Errorf("malformed token %q", tok)
	}
	return tok[:open], tok[open+1 : len(tok)-1], nil
}

func tokenSet(args string) map[string]struct{} {
	out := map[string]struct{}{}
	if args == "" {
		return out
	}
	for _, part := range strings.Split(args, ",") {
		out[part] = struct{}{}
	}
	return out
}

func parseEntityID(s string) (api.EntityID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return api.InvalidID, fmt.Errorf("bad entity id %q: %w", s, err)
	}
	return api.EntityID(v), nil
}

func parseItems(args string) ([]api.EntityRef, error) {
	if args == "" {
		return nil, nil
	}
	parts := strings.Split(args, ",")
	refs := make([]api.EntityRef, 0, len(parts))
	for _, p := range parts {
		idStr, rid, _ := strings.Cut(p, ":")
		id, err := parseEntityID(idStr)
		if err != nil {
			return nil, err
		}
		refs = append(refs, api.EntityRef{ID: id, RemoteID: []byte(rid)})
	}
	return refs, nil
}

func parseType(s string) (api.NotificationType, error) {
	switch s {
	case "Item":
		return api.NotificationItem, nil
	case "Collection":
		return api.NotificationCollection, nil
	case "Tag":
		return api.NotificationTag, nil
	default:
		return 0, fmt.Errorf("unknown notification type %q", s)
	}
}

func parseOperation(s string) (api.Operation, error) {
	switch s {
	case "Add":
		return api.OpAdd, nil
	case "Modify":
		return api.OpModify, nil
	case "ModifyFlags":
		return api.OpModifyFlags, nil
	case "Move":
		return api.OpMove, nil
	case "Remove":
		return api.OpRemove, nil
	case "Link":
		return api.OpLink, nil
	case "Unlink":
		return api.OpUnlink, nil
	case "Subscribe":
		return api.OpSubscribe, nil
	case "Unsubscribe":
		return api.OpUnsubscribe, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", s)
	}
}
