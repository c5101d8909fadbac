// Package announce decides which live events are spoken and renders the
// text for them.
package announce

import (
	"strconv"
	"strings"

	"github.com/grafana/regexp"

	"github.com/loqalabs/livevoice/internal/command"
)

// Enabled toggles announcements per event type.
type Enabled struct {
	Chat   bool `yaml:"chat"`
	Gift   bool `yaml:"gift"`
	Guard  bool `yaml:"guard"`
	Paid   bool `yaml:"paid"`
	Entry  bool `yaml:"entry"`
	Follow bool `yaml:"follow"`
	Share  bool `yaml:"share"`
	Like   bool `yaml:"like"`
	Notice bool `yaml:"notice"`
}

// Templates holds one message template per event type. Placeholders are
// written as {name}; see Fields for the names available.
type Templates struct {
	Chat      string `yaml:"chat"`
	Gift      string `yaml:"gift"`
	Captain   string `yaml:"captain"`
	Admiral   string `yaml:"admiral"`
	Commander string `yaml:"commander"`
	Paid      string `yaml:"paid"`
	Entry     string `yaml:"entry"`
	Follow    string `yaml:"follow"`
	Share     string `yaml:"share"`
	Like      string `yaml:"like"`
	Notice    string `yaml:"notice"`
}

// Settings is an immutable announcement policy.
type Settings struct {
	Enabled   Enabled   `yaml:"enabled"`
	MinPrice  float64   `yaml:"min_price"`
	Templates Templates `yaml:"templates"`
}

// DefaultSettings mirrors the out-of-the-box behavior: chat, gifts, guards and
// paid messages are spoken, everything else is silent.
func DefaultSettings() Settings {
	return Settings{
		Enabled: Enabled{Chat: true, Gift: true, Guard: true, Paid: true},
		Templates: Templates{
			Chat:      "{uname} says {content}",
			Gift:      "Thanks {uname} for {num} {gift_name}",
			Captain:   "Thanks {uname} for {num} months of captain",
			Admiral:   "Thanks {uname} for {num} months of admiral",
			Commander: "Thanks {uname} for {num} months of commander",
			Paid:      "Thanks {uname} for the {price} super chat, {content}",
			Entry:     "Welcome {uname}",
			Follow:    "Thanks {uname} for the follow",
			Share:     "Thanks {uname} for sharing",
			Like:      "Thanks {uname} for the like",
			Notice:    "{content}",
		},
	}
}

// Announcement is the text to speak for one event.
type Announcement struct {
	Text string
	// High marks events that should jump ahead of ordinary chatter.
	High bool
}

// Announcer applies a Settings snapshot to events.
type Announcer struct {
	settings Settings
}

func New(settings Settings) *Announcer {
	return &Announcer{settings: settings}
}

// Settings returns the snapshot in use.
func (a *Announcer) Settings() Settings { return a.settings }

// Allowed reports whether evt passes the type toggles and price gates.
func (a *Announcer) Allowed(evt command.Event) bool {
	s := a.settings
	switch evt.Type {
	case command.TypeChat:
		return s.Enabled.Chat
	case command.TypeGift:
		return s.Enabled.Gift && evt.FirstGift && evt.Price >= s.MinPrice
	case command.TypeGuard:
		return s.Enabled.Guard && command.GuardName(evt.GuardLevel) != ""
	case command.TypePaid:
		return s.Enabled.Paid && evt.Price >= s.MinPrice
	case command.TypeEntry:
		return s.Enabled.Entry
	case command.TypeFollow:
		return s.Enabled.Follow
	case command.TypeShare:
		return s.Enabled.Share
	case command.TypeLike:
		return s.Enabled.Like
	case command.TypeNotice:
		return s.Enabled.Notice
	default:
		return false
	}
}

// Announce renders evt. The second return value is false when the event is
// filtered out or renders to blank text.
func (a *Announcer) Announce(evt command.Event) (Announcement, bool) {
	if !a.Allowed(evt) {
		return Announcement{}, false
	}
	tpl := a.template(evt)
	if tpl == "" {
		return Announcement{}, false
	}
	text := strings.TrimSpace(Render(tpl, Fields(evt)))
	if text == "" {
		return Announcement{}, false
	}
	return Announcement{Text: text, High: IsHigh(evt.Type)}, true
}

func (a *Announcer) template(evt command.Event) string {
	t := a.settings.Templates
	switch evt.Type {
	case command.TypeChat:
		return t.Chat
	case command.TypeGift:
		return t.Gift
	case command.TypeGuard:
		switch evt.GuardLevel {
		case command.GuardCaptain:
			return t.Captain
		case command.GuardAdmiral:
			return t.Admiral
		case command.GuardCommander:
			return t.Commander
		}
	case command.TypePaid:
		return t.Paid
	case command.TypeEntry:
		return t.Entry
	case command.TypeFollow:
		return t.Follow
	case command.TypeShare:
		return t.Share
	case command.TypeLike:
		return t.Like
	case command.TypeNotice:
		return t.Notice
	}
	return ""
}

// IsHigh reports whether events of type t are spoken with high priority.
func IsHigh(t command.Type) bool {
	switch t {
	case command.TypePaid, command.TypeGift, command.TypeGuard:
		return true
	}
	return false
}

// Fields exposes the placeholder values for evt.
func Fields(evt command.Event) map[string]string {
	content := evt.Content
	if evt.Type == command.TypeChat && evt.Emoticon {
		content = emoticonName(content)
	}
	return map[string]string{
		"uname":      evt.Sender,
		"uid":        strconv.FormatInt(evt.SenderID, 10),
		"content":    content,
		"gift_name":  evt.GiftName,
		"num":        strconv.FormatInt(evt.Count, 10),
		"price":      strconv.FormatFloat(evt.Price, 'f', -1, 64),
		"guard_name": command.GuardName(evt.GuardLevel),
		"room_id":    strconv.FormatInt(evt.RoomID, 10),
		"type":       string(evt.Type),
	}
}

// emoticonName turns "[dog_doge]" into "doge".
func emoticonName(content string) string {
	if !strings.HasPrefix(content, "[") || !strings.HasSuffix(content, "]") || len(content) < 2 {
		return content
	}
	inner := content[1 : len(content)-1]
	if i := strings.LastIndexByte(inner, '_'); i >= 0 {
		return inner[i+1:]
	}
	return inner
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes {name} placeholders. Unknown names are left as written.
func Render(tpl string, values map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		if v, ok := values[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}
