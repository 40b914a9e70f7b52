package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chanmirror/internal/coverage"
	"github.com/matheus3301/chanmirror/internal/history"
	"github.com/matheus3301/chanmirror/internal/store"
)

// Channel is a text channel, thread or DM with fetchable history.
type Channel struct {
	client *Client
	id     string
	raw    apiChannel
}

func (ch *Channel) ID() string { return ch.id }

// History returns one page of messages inside the query window. Without a
// lower bound the window is walked newest to oldest using "before" cursors;
// with one it is walked oldest to newest using "after" cursors, which is the
// cheaper direction for catch-up passes. The cursor is the snowflake the next
// request continues from.
func (ch *Channel) History(ctx context.Context, q history.Query) (history.Page, error) {
	forward := !q.After.IsZero()
	limit := maxPageSize
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}

	var before, after string
	switch {
	case q.Cursor != "" && forward:
		after = q.Cursor
	case q.Cursor != "":
		before = q.Cursor
	case forward:
		// Snowflakes minted in the bound's millisecond sort after this one;
		// they are filtered by timestamp below.
		after = SnowflakeFromTime(q.After.Add(-time.Millisecond))
	case !q.Before.IsZero():
		before = SnowflakeFromTime(q.Before.Add(time.Millisecond))
	}

	msgs, err := ch.client.Messages(ctx, ch.id, before, after, limit)
	if err != nil {
		return history.Page{}, err
	}

	var page history.Page
	edge := ""
	pastWindow := false
	for _, m := range msgs {
		if edge == "" || (forward && snowflakeLess(edge, m.ID)) || (!forward && snowflakeLess(m.ID, edge)) {
			edge = m.ID
		}
		rec, err := toRecord(m)
		if err != nil {
			return history.Page{}, err
		}
		ts, perr := coverage.ParseTimestamp(rec.Timestamp)
		if perr == nil {
			if !q.After.IsZero() && !ts.After(q.After) {
				if !forward {
					pastWindow = true
				}
				continue
			}
			if !q.Before.IsZero() && !ts.Before(q.Before) {
				if forward {
					pastWindow = true
				}
				continue
			}
		}
		// Unparseable timestamps are passed on for the engine to reject.
		page.Records = append(page.Records, rec)
	}

	if len(msgs) == limit && !pastWindow && edge != "" {
		page.Next = edge
	}
	return page, nil
}

// Describe returns the guild and channel descriptors stored alongside the
// channel's messages.
func (ch *Channel) Describe(ctx context.Context) (*store.GuildInfo, *store.ChannelInfo, error) {
	var guild *apiGuild
	if ch.raw.GuildID != "" {
		g, err := ch.client.guild(ctx, ch.raw.GuildID)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup guild %s: %w", ch.raw.GuildID, err)
		}
		guild = &g
	}
	var category *apiChannel
	if ch.raw.ParentID != nil && *ch.raw.ParentID != "" {
		parent, err := ch.client.channel(ctx, *ch.raw.ParentID)
		if err != nil {
			return nil, nil, fmt.Errorf("lookup parent %s: %w", *ch.raw.ParentID, err)
		}
		category = &parent
	}
	g, info := describe(ch.raw, guild, category)
	return g, info, nil
}
