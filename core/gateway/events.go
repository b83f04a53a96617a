package gateway

import "fmt"

type ShardID = uint32

type Kind string

const (
	KindHello             Kind = "HELLO"
	KindInvalidSession    Kind = "INVALID_SESSION"
	KindReady             Kind = "READY"
	KindResumed           Kind = "RESUMED"
	KindShardConnecting   Kind = "SHARD_CONNECTING"
	KindShardConnected    Kind = "SHARD_CONNECTED"
	KindShardDisconnected Kind = "SHARD_DISCONNECTED"
	KindShardIdentifying  Kind = "SHARD_IDENTIFYING"
	KindShardReconnecting Kind = "SHARD_RECONNECTING"
	KindShardResuming     Kind = "SHARD_RESUMING"
	KindGuildCreate       Kind = "GUILD_CREATE"
	KindGuildUpdate       Kind = "GUILD_UPDATE"
	KindGuildDelete       Kind = "GUILD_DELETE"
	KindChannelCreate     Kind = "CHANNEL_CREATE"
	KindChannelUpdate     Kind = "CHANNEL_UPDATE"
	KindChannelDelete     Kind = "CHANNEL_DELETE"
	KindMemberAdd         Kind = "GUILD_MEMBER_ADD"
	KindMemberUpdate      Kind = "GUILD_MEMBER_UPDATE"
	KindMemberRemove      Kind = "GUILD_MEMBER_REMOVE"
	KindMessageCreate     Kind = "MESSAGE_CREATE"
	KindMessageUpdate     Kind = "MESSAGE_UPDATE"
	KindMessageDelete     Kind = "MESSAGE_DELETE"
	KindPresenceUpdate    Kind = "PRESENCE_UPDATE"
)

// Event is one item of a shard's event stream.
type Event interface {
	Kind() Kind
	isEvent()
}

// Dispatch tags an event with the shard it came from.
type Dispatch struct {
	Shard ShardID
	Event Event
}

func (d Dispatch) String() string {
	return fmt.Sprintf("[Shard %d] %s", d.Shard, d.Event.Kind())
}

type (
	User struct {
		ID       uint64 `json:"id,string"`
		Username string `json:"username"`
		Bot      bool   `json:"bot,omitempty"`
	}

	Guild struct {
		ID          uint64     `json:"id,string"`
		Name        string     `json:"name"`
		OwnerID     uint64     `json:"owner_id,string"`
		MemberCount int        `json:"member_count"`
		Channels    []Channel  `json:"channels,omitempty"`
		Members     []Member   `json:"members,omitempty"`
		Presences   []Presence `json:"presences,omitempty"`
	}

	Channel struct {
		ID      uint64 `json:"id,string"`
		GuildID uint64 `json:"guild_id,string,omitempty"`
		Name    string `json:"name"`
		Type    int    `json:"type"`
	}

	Member struct {
		GuildID uint64   `json:"guild_id,string"`
		User    User     `json:"user"`
		Nick    string   `json:"nick,omitempty"`
		Roles   []string `json:"roles,omitempty"`
	}

	Message struct {
		ID        uint64 `json:"id,string"`
		ChannelID uint64 `json:"channel_id,string"`
		GuildID   uint64 `json:"guild_id,string,omitempty"`
		Author    User   `json:"author"`
		Content   string `json:"content"`
	}

	Presence struct {
		GuildID uint64 `json:"guild_id,string"`
		UserID  uint64 `json:"user_id,string"`
		Status  string `json:"status"`
	}
)

// Connection lifecycle events.
type (
	Hello struct {
		HeartbeatInterval uint64
	}
	InvalidSession struct {
		Resumable bool
	}
	Ready struct {
		SessionID string
		User      User
		Guilds    []uint64
	}
	Resumed         struct{}
	ShardConnecting struct {
		Gateway string
	}
	ShardConnected struct {
		HeartbeatInterval uint64
	}
	ShardDisconnected struct {
		// Code is nil when the connection dropped without a close frame.
		Code   *uint16
		Reason string
	}
	ShardIdentifying  struct{}
	ShardReconnecting struct{}
	ShardResuming     struct {
		Seq uint64
	}
)

// State-bearing domain events.
type (
	GuildCreate struct{ Guild Guild }
	GuildUpdate struct{ Guild Guild }
	GuildDelete struct {
		ID          uint64
		Unavailable bool
	}
	ChannelCreate struct{ Channel Channel }
	ChannelUpdate struct{ Channel Channel }
	ChannelDelete struct{ Channel Channel }
	MemberAdd     struct{ Member Member }
	MemberUpdate  struct{ Member Member }
	MemberRemove  struct {
		GuildID uint64
		User    User
	}
	MessageCreate struct{ Message Message }
	MessageUpdate struct{ Message Message }
	MessageDelete struct {
		ID        uint64
		ChannelID uint64
		GuildID   uint64
	}
	PresenceUpdate struct{ Presence Presence }
)

func (Hello) Kind() Kind             { return KindHello }
func (InvalidSession) Kind() Kind    { return KindInvalidSession }
func (Ready) Kind() Kind             { return KindReady }
func (Resumed) Kind() Kind           { return KindResumed }
func (ShardConnecting) Kind() Kind   { return KindShardConnecting }
func (ShardConnected) Kind() Kind    { return KindShardConnected }
func (ShardDisconnected) Kind() Kind { return KindShardDisconnected }
func (ShardIdentifying) Kind() Kind  { return KindShardIdentifying }
func (ShardReconnecting) Kind() Kind { return KindShardReconnecting }
func (ShardResuming) Kind() Kind     { return KindShardResuming }
func (GuildCreate) Kind() Kind       { return KindGuildCreate }
func (GuildUpdate) Kind() Kind       { return KindGuildUpdate }
func (GuildDelete) Kind() Kind       { return KindGuildDelete }
func (ChannelCreate) Kind() Kind     { return KindChannelCreate }
func (ChannelUpdate) Kind() Kind     { return KindChannelUpdate }
func (ChannelDelete) Kind() Kind     { return KindChannelDelete }
func (MemberAdd) Kind() Kind         { return KindMemberAdd }
func (MemberUpdate) Kind() Kind      { return KindMemberUpdate }
func (MemberRemove) Kind() Kind      { return KindMemberRemove }
func (MessageCreate) Kind() Kind     { return KindMessageCreate }
func (MessageUpdate) Kind() Kind     { return KindMessageUpdate }
func (MessageDelete) Kind() Kind     { return KindMessageDelete }
func (PresenceUpdate) Kind() Kind    { return KindPresenceUpdate }

func (Hello) isEvent()             {}
func (InvalidSession) isEvent()    {}
func (Ready) isEvent()             {}
func (Resumed) isEvent()           {}
func (ShardConnecting) isEvent()   {}
func (ShardConnected) isEvent()    {}
func (ShardDisconnected) isEvent() {}
func (ShardIdentifying) isEvent()  {}
func (ShardReconnecting) isEvent() {}
func (ShardResuming) isEvent()     {}
func (GuildCreate) isEvent()       {}
func (GuildUpdate) isEvent()       {}
func (GuildDelete) isEvent()       {}
func (ChannelCreate) isEvent()     {}
func (ChannelUpdate) isEvent()     {}
func (ChannelDelete) isEvent()     {}
func (MemberAdd) isEvent()         {}
func (MemberUpdate) isEvent()      {}
func (MemberRemove) isEvent()      {}
func (MessageCreate) isEvent()     {}
func (MessageUpdate) isEvent()     {}
func (MessageDelete) isEvent()     {}
func (PresenceUpdate) isEvent()    {}

// Kinds returns one zero value of every event in the variant set.
func Kinds() []Event {
	return []Event{
		Hello{}, InvalidSession{}, Ready{}, Resumed{},
		ShardConnecting{}, ShardConnected{}, ShardDisconnected{},
		ShardIdentifying{}, ShardReconnecting{}, ShardResuming{},
		GuildCreate{}, GuildUpdate{}, GuildDelete{},
		ChannelCreate{}, ChannelUpdate{}, ChannelDelete{},
		MemberAdd{}, MemberUpdate{}, MemberRemove{},
		MessageCreate{}, MessageUpdate{}, MessageDelete{},
		PresenceUpdate{},
	}
}
