package api

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/matheus3301/chanmirror/internal/bus"
	"github.com/matheus3301/chanmirror/internal/coverage"
	"github.com/matheus3301/chanmirror/internal/history"
	"github.com/matheus3301/chanmirror/internal/index"
	"github.com/matheus3301/chanmirror/internal/status"
	intsync "github.com/matheus3301/chanmirror/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func rangesList(rs []coverage.TimeRange) []any {
	out := make([]any, 0, len(rs))
	for _, r := range rs {
		out = append(out, map[string]any{
			"start": coverage.FormatTimestamp(r.Start),
			"end":   coverage.FormatTimestamp(r.End),
		})
	}
	return out
}

func timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return coverage.FormatTimestamp(t)
}

func resultFields(res *intsync.Result) map[string]any {
	if res == nil {
		return map[string]any{}
	}
	return map[string]any{
		"channel":   res.ChannelID,
		"passId":    res.PassID,
		"mode":      string(res.Mode),
		"fetched":   res.Fetched,
		"new":       res.New,
		"updated":   res.Updated,
		"unchanged": res.Unchanged,
		"invalid":   res.Invalid,
		"covered":   rangesList(res.Covered),
		"elapsedMs": res.Elapsed.Milliseconds(),
	}
}

func eventFields(instance string, evt bus.Event) map[string]any {
	fields := map[string]any{
		"id":         evt.ID,
		"kind":       evt.Kind,
		"instance":   instance,
		"occurredAt": coverage.FormatTimestamp(evt.Timestamp),
	}
	switch p := evt.Payload.(type) {
	case bus.SyncPass:
		payload := map[string]any{
			"passId":  p.PassID,
			"channel": p.ChannelID,
			"mode":    p.Mode,
			"fetched": p.Fetched,
			"new":     p.New,
			"updated": p.Updated,
			"skipped": p.Skipped,
		}
		if p.Err != "" {
			payload["error"] = p.Err
		}
		fields["payload"] = payload
	case status.PhaseChange:
		fields["payload"] = map[string]any{
			"channel": p.ChannelID,
			"from":    string(p.From),
			"to":      string(p.To),
		}
	case status.StatusChange:
		payload := map[string]any{
			"from": string(p.From),
			"to":   string(p.To),
		}
		if p.Reason != "" {
			payload["reason"] = p.Reason
		}
		fields["payload"] = payload
	}
	return fields
}

func indexEntryFields(e index.Entry) map[string]any {
	return map[string]any{
		"seq":       e.Seq,
		"channel":   e.ChannelID,
		"messageId": e.MessageID,
		"timestamp": coverage.FormatTimestamp(e.Timestamp),
		"edited":    e.Edited,
		"payload":   string(e.Payload),
	}
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func stringArg(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// seqArg reads an outbox sequence number. Absent means zero.
func seqArg(in *structpb.Struct, key string) (int64, error) {
	v, ok := in.GetFields()[key]
	if !ok {
		return 0, nil
	}
	n := v.GetNumberValue()
	if n < 0 || n != math.Trunc(n) {
		return 0, grpcstatus.Errorf(codes.InvalidArgument, "invalid %s %v", key, n)
	}
	return int64(n), nil
}

func channelArg(in *structpb.Struct) (string, error) {
	id := stringArg(in, "channel")
	if id == "" {
		return "", grpcstatus.Error(codes.InvalidArgument, "channel is required")
	}
	return id, nil
}

// toStatus maps sync errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var fetchErr *intsync.ProviderFetchError
	switch {
	case errors.Is(err, history.ErrUnknownChannel):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &fetchErr):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}
