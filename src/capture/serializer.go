package capture

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	logger "github.com/sirupsen/logrus"
)

// Tagged is implemented by domain entities that want registry-based
// serialization. The tag selects the serializer; it is not persisted.
type Tagged interface {
	TrackTag() string
}

// SelfSerializer lets a value supply its own reduced representation. The
// returned value is JSON-encoded.
type SelfSerializer interface {
	TrackSerialize() interface{}
}

// SerializerFunc turns one tagged value into its serialized string form.
type SerializerFunc func(v interface{}) (string, error)

// Module marks a scope value as a package/module reference. It serializes
// to a placeholder instead of its contents.
type Module string

var (
	serializersMu sync.RWMutex
	serializers   = map[string]SerializerFunc{
		"user":    serializeEntity,
		"channel": serializeEntity,
		"message": serializeEntity,
	}
)

// RegisterSerializer installs or replaces the serializer for a tag.
func RegisterSerializer(tag string, fn SerializerFunc) {
	serializersMu.Lock()
	defer serializersMu.Unlock()
	serializers[tag] = fn
}

func lookupSerializer(tag string) (SerializerFunc, bool) {
	serializersMu.RLock()
	defer serializersMu.RUnlock()
	fn, ok := serializers[tag]
	return fn, ok
}

// User is the reduced view of the person whose input triggered a failure.
type User struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator,omitempty"`
	Bot           bool   `json:"bot"`
	Nick          string `json:"nick,omitempty"`
	GuildID       int64  `json:"guild_id,omitempty"`
}

// TrackTag implements Tagged.
func (User) TrackTag() string { return "user" }

// Channel is the reduced view of the channel a trigger arrived on.
type Channel struct {
	ID       int64  `json:"id"`
	ParentID int64  `json:"parent_id,omitempty"`
	Position int    `json:"position"`
	Type     string `json:"type,omitempty"`
	NSFW     bool   `json:"nsfw"`
	Topic    string `json:"topic,omitempty"`
}

// TrackTag implements Tagged.
func (Channel) TrackTag() string { return "channel" }

// Message is the reduced view of the input that triggered a failure. Only
// identifying and display fields are kept, never full object graphs.
type Message struct {
	ID              int64    `json:"id"`
	Content         string   `json:"content"`
	Pinned          bool     `json:"pinned"`
	TTS             bool     `json:"tts"`
	MentionEveryone bool     `json:"mention_everyone"`
	Mentions        []int64  `json:"mentions,omitempty"`
	Author          *User    `json:"author,omitempty"`
	Channel         *Channel `json:"channel,omitempty"`
	GuildID         int64    `json:"guild_id,omitempty"`
}

// TrackTag implements Tagged.
func (Message) TrackTag() string { return "message" }

func serializeEntity(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SerializeValue renders any value to its stored string form. It never
// fails: values nothing matches become a tagged placeholder. Serialization
// runs inside error-handling paths, so throwing here is not an option.
func SerializeValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case Module:
		return fmt.Sprintf("<module %s>", string(val))
	case error:
		return val.Error()
	}

	if self, ok := v.(SelfSerializer); ok {
		if out, err := serializeEntity(self.TrackSerialize()); err == nil {
			return out
		}
	}

	if tagged, ok := v.(Tagged); ok {
		if fn, found := lookupSerializer(tagged.TrackTag()); found {
			out, err := fn(v)
			if err == nil {
				return out
			}
			logger.WithError(err).WithField("tag", tagged.TrackTag()).
				Debug("serializer failed, falling back to placeholder")
		}
	}

	return fmt.Sprintf("<unserializable %v>", v)
}

// SerializeScope renders every variable in a scope.
func SerializeScope(scope map[string]interface{}) map[string]string {
	out := make(map[string]string, len(scope))
	for name, value := range scope {
		out[name] = SerializeValue(value)
	}
	return out
}
