package discord

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/chanmirror/internal/coverage"
	"github.com/matheus3301/chanmirror/internal/history"
	"github.com/matheus3301/chanmirror/internal/store"
)

const cdnBase = "https://cdn.discordapp.com"

type apiUser struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Discriminator string  `json:"discriminator"`
	GlobalName    *string `json:"global_name"`
	Avatar        *string `json:"avatar"`
	Bot           bool    `json:"bot"`
}

type apiAttachment struct {
	ID          string  `json:"id"`
	Filename    string  `json:"filename"`
	Size        int64   `json:"size"`
	URL         string  `json:"url"`
	ProxyURL    string  `json:"proxy_url"`
	Width       *int    `json:"width"`
	Height      *int    `json:"height"`
	ContentType *string `json:"content_type"`
}

type apiEmoji struct {
	ID       *string `json:"id"`
	Name     string  `json:"name"`
	Animated bool    `json:"animated"`
}

type apiReaction struct {
	Count int      `json:"count"`
	Emoji apiEmoji `json:"emoji"`
}

type apiMessageRef struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
}

type apiMessage struct {
	ID              string            `json:"id"`
	ChannelID       string            `json:"channel_id"`
	Type            int               `json:"type"`
	Content         string            `json:"content"`
	Timestamp       string            `json:"timestamp"`
	EditedTimestamp *string           `json:"edited_timestamp"`
	Pinned          bool              `json:"pinned"`
	Author          *apiUser          `json:"author"`
	Attachments     []apiAttachment   `json:"attachments"`
	Embeds          []json.RawMessage `json:"embeds"`
	StickerItems    []json.RawMessage `json:"sticker_items"`
	Reactions       []apiReaction     `json:"reactions"`
	Mentions        []apiUser         `json:"mentions"`
	Reference       *apiMessageRef    `json:"message_reference"`
}

type apiChannel struct {
	ID       string  `json:"id"`
	Type     int     `json:"type"`
	GuildID  string  `json:"guild_id"`
	ParentID *string `json:"parent_id"`
	Name     string  `json:"name"`
	Topic    *string `json:"topic"`
}

type apiGuild struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Icon *string `json:"icon"`
}

// exportedUser, exportedMessage and friends are the stored payload shape,
// compatible with chat exporter documents.
type exportedUser struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Discriminator string  `json:"discriminator"`
	Nickname      *string `json:"nickname"`
	IsBot         bool    `json:"isBot"`
	AvatarURL     string  `json:"avatarUrl"`
}

type exportedAttachment struct {
	ID            string  `json:"id"`
	URL           string  `json:"url"`
	FileName      string  `json:"fileName"`
	FileSizeBytes int64   `json:"fileSizeBytes"`
	ProxyURL      string  `json:"proxyUrl,omitempty"`
	Width         *int    `json:"width,omitempty"`
	Height        *int    `json:"height,omitempty"`
	ContentType   *string `json:"contentType,omitempty"`
}

type exportedEmoji struct {
	ID         *string `json:"id"`
	Name       string  `json:"name"`
	IsAnimated bool    `json:"isAnimated"`
	ImageURL   string  `json:"imageUrl,omitempty"`
}

type exportedReaction struct {
	Emoji exportedEmoji `json:"emoji"`
	Count int           `json:"count"`
}

type exportedReference struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	GuildID   string `json:"guildId"`
}

type exportedMessage struct {
	ID              string               `json:"id"`
	Type            string               `json:"type"`
	Timestamp       string               `json:"timestamp"`
	TimestampEdited *string              `json:"timestampEdited"`
	IsPinned        bool                 `json:"isPinned"`
	Content         string               `json:"content"`
	Author          *exportedUser        `json:"author"`
	Attachments     []exportedAttachment `json:"attachments"`
	Embeds          []json.RawMessage    `json:"embeds"`
	Stickers        []json.RawMessage    `json:"stickers"`
	Reactions       []exportedReaction   `json:"reactions"`
	Mentions        []exportedUser       `json:"mentions"`
	Reference       *exportedReference   `json:"reference"`
}

var messageTypes = map[int]string{
	0:  "Default",
	1:  "RecipientAdd",
	2:  "RecipientRemove",
	3:  "Call",
	4:  "ChannelNameChange",
	5:  "ChannelIconChange",
	6:  "ChannelPinnedMessage",
	7:  "GuildMemberJoin",
	18: "ThreadCreated",
	19: "Reply",
	20: "ChatInputCommand",
	21: "ThreadStarterMessage",
	23: "ContextMenuCommand",
}

var channelTypes = map[int]string{
	0:  "GuildTextChat",
	1:  "DirectTextChat",
	2:  "GuildVoiceChat",
	3:  "DirectGroupTextChat",
	4:  "GuildCategory",
	5:  "GuildNews",
	10: "GuildNewsThread",
	11: "GuildPublicThread",
	12: "GuildPrivateThread",
	13: "GuildStageVoice",
	15: "GuildForum",
}

func convertUser(u apiUser) exportedUser {
	out := exportedUser{
		ID:            u.ID,
		Name:          u.Username,
		Discriminator: u.Discriminator,
		Nickname:      u.GlobalName,
		IsBot:         u.Bot,
	}
	if u.Avatar != nil {
		out.AvatarURL = fmt.Sprintf("%s/avatars/%s/%s.png", cdnBase, u.ID, *u.Avatar)
	}
	return out
}

func convertEmoji(e apiEmoji) exportedEmoji {
	out := exportedEmoji{ID: e.ID, Name: e.Name, IsAnimated: e.Animated}
	if e.ID != nil {
		ext := "png"
		if e.Animated {
			ext = "gif"
		}
		out.ImageURL = fmt.Sprintf("%s/emojis/%s.%s", cdnBase, *e.ID, ext)
	}
	return out
}

// toRecord converts an API message into a history record. Timestamps are
// normalized when they parse and passed through untouched otherwise, so the
// sync engine sees and reports the malformed value.
func toRecord(m apiMessage) (history.Record, error) {
	exp := exportedMessage{
		ID:          m.ID,
		Type:        messageTypes[m.Type],
		Timestamp:   normalizeTimestamp(m.Timestamp),
		IsPinned:    m.Pinned,
		Content:     m.Content,
		Attachments: []exportedAttachment{},
		Embeds:      m.Embeds,
		Stickers:    m.StickerItems,
		Reactions:   []exportedReaction{},
		Mentions:    []exportedUser{},
	}
	if exp.Type == "" {
		exp.Type = fmt.Sprintf("Unknown%d", m.Type)
	}
	if exp.Embeds == nil {
		exp.Embeds = []json.RawMessage{}
	}
	if exp.Stickers == nil {
		exp.Stickers = []json.RawMessage{}
	}
	if m.EditedTimestamp != nil && *m.EditedTimestamp != "" {
		edited := normalizeTimestamp(*m.EditedTimestamp)
		exp.TimestampEdited = &edited
	}
	if m.Author != nil {
		a := convertUser(*m.Author)
		exp.Author = &a
	}
	for _, a := range m.Attachments {
		exp.Attachments = append(exp.Attachments, exportedAttachment{
			ID:            a.ID,
			URL:           a.URL,
			FileName:      a.Filename,
			FileSizeBytes: a.Size,
			ProxyURL:      a.ProxyURL,
			Width:         a.Width,
			Height:        a.Height,
			ContentType:   a.ContentType,
		})
	}
	for _, r := range m.Reactions {
		exp.Reactions = append(exp.Reactions, exportedReaction{Emoji: convertEmoji(r.Emoji), Count: r.Count})
	}
	for _, u := range m.Mentions {
		exp.Mentions = append(exp.Mentions, convertUser(u))
	}
	if m.Reference != nil {
		exp.Reference = &exportedReference{
			MessageID: m.Reference.MessageID,
			ChannelID: m.Reference.ChannelID,
			GuildID:   m.Reference.GuildID,
		}
	}

	payload, err := json.Marshal(exp)
	if err != nil {
		return history.Record{}, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	rec := history.Record{
		ID:        m.ID,
		Timestamp: exp.Timestamp,
		Volatile:  len(m.Reactions) > 0,
		Payload:   payload,
	}
	if exp.TimestampEdited != nil {
		rec.EditedTimestamp = *exp.TimestampEdited
	}
	return rec, nil
}

func normalizeTimestamp(s string) string {
	ts, err := coverage.ParseTimestamp(s)
	if err != nil {
		return s
	}
	return coverage.FormatTimestamp(ts)
}

func describe(ch apiChannel, guild *apiGuild, category *apiChannel) (*store.GuildInfo, *store.ChannelInfo) {
	info := &store.ChannelInfo{
		ID:    ch.ID,
		Type:  channelTypes[ch.Type],
		Name:  ch.Name,
		Topic: ch.Topic,
	}
	if info.Type == "" {
		info.Type = fmt.Sprintf("Unknown%d", ch.Type)
	}
	if category != nil {
		id, name := category.ID, category.Name
		info.CategoryID = &id
		info.Category = &name
	}

	var g *store.GuildInfo
	if guild != nil {
		g = &store.GuildInfo{ID: guild.ID, Name: guild.Name}
		if guild.Icon != nil {
			icon := fmt.Sprintf("%s/icons/%s/%s.png", cdnBase, guild.ID, *guild.Icon)
			g.IconURL = &icon
		}
	} else {
		// Direct messages have no guild; exporters use a placeholder.
		g = &store.GuildInfo{ID: "0", Name: "Direct Messages"}
	}
	return g, info
}
