package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBToken struct {
	UserID string `msgpack:"userId"`
	Token  string `msgpack:"token"`
}

func (t *DBToken) Key() []byte {
	return []byte(t.Token)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBUser struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
	Email       string `msgpack:"email"`
	PhotoURL    string `msgpack:"photoUrl"`
	CreatedAt   int64  `msgpack:"createdAt"`
	LastActive  int64  `msgpack:"lastActive"`
	IsOnline    bool   `msgpack:"isOnline"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBCredentials struct {
	UserID              string `msgpack:"userId"`
	Email               string `msgpack:"email"`
	DisplayName         string `msgpack:"displayName"`
	PasswordHash        string `msgpack:"passwordHash"`
	FailedLoginAttempts int64  `msgpack:"failedLoginAttempts"`
	LastAttemptTime     int64  `msgpack:"lastAttemptTime"`
}

func (c *DBCredentials) Key() []byte {
	return []byte(c.Email)
}

func (c *DBCredentials) MarshalBinary() (data []byte, err error) {
	type alias DBCredentials
	return msgpack.Marshal((*alias)(c))
}

func (c *DBCredentials) UnmarshalBinary(data []byte) error {
	type alias DBCredentials
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBConversation struct {
	ID                  string         `msgpack:"id"`
	Participants        [2]string      `msgpack:"participants"`
	LastMessagePreview  string         `msgpack:"lastMessagePreview"`
	LastMessageAt       int64          `msgpack:"lastMessageAt"`
	LastMessageSenderID string         `msgpack:"lastMessageSenderId"`
	UnreadCount         map[string]int `msgpack:"unreadCount"`
	CreatedAt           int64          `msgpack:"createdAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             string   `msgpack:"id"`
	ConversationID string   `msgpack:"conversationId"`
	SenderID       string   `msgpack:"senderId"`
	ReceiverID     string   `msgpack:"receiverId"`
	Kind           string   `msgpack:"kind"`
	Content        string   `msgpack:"content"`
	Media          *DBMedia `msgpack:"media"`
	CreatedAt      int64    `msgpack:"createdAt"` // Unix nanoseconds, unique per store
	Read           bool     `msgpack:"read"`
}

type DBMedia struct {
	URL      string `msgpack:"url"`
	Path     string `msgpack:"path"`
	FileName string `msgpack:"fileName"`
	FileSize int64  `msgpack:"fileSize"`
	Kind     string `msgpack:"kind"`
}

// Key orders messages of a conversation by creation time.
func (m *DBMessage) Key() []byte {
	return timeKey(m.CreatedAt)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBPresence struct {
	UserID        string `msgpack:"userId"`
	State         string `msgpack:"state"`
	LastChangedAt int64  `msgpack:"lastChangedAt"`
}

func (p *DBPresence) Key() []byte {
	return []byte(p.UserID)
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	Auth     string `msgpack:"auth"`
	P256dh   string `msgpack:"p256dh"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

func timeKey(nanos int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(nanos))
	return key
}

func fromNanos(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
