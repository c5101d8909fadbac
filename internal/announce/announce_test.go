package announce

import (
	"testing"

	"github.com/loqalabs/livevoice/internal/command"
)

func TestRenderKeepsUnknownPlaceholders(t *testing.T) {
	got := Render("{uname} sent {mystery} {num}", map[string]string{"uname": "A", "num": "2"})
	if got != "A sent {mystery} 2" {
		t.Fatalf("unexpected render %q", got)
	}
}

func TestChatAnnouncement(t *testing.T) {
	a := New(DefaultSettings())
	ann, ok := a.Announce(command.Event{Type: command.TypeChat, Sender: "A", Content: "hi"})
	if !ok {
		t.Fatalf("expected chat to be announced")
	}
	if ann.Text != "A says hi" || ann.High {
		t.Fatalf("unexpected announcement %+v", ann)
	}
}

func TestEmoticonChatUsesShortName(t *testing.T) {
	a := New(DefaultSettings())
	ann, ok := a.Announce(command.Event{Type: command.TypeChat, Sender: "A", Content: "[dog_doge]", Emoticon: true})
	if !ok || ann.Text != "A says doge" {
		t.Fatalf("unexpected announcement %+v ok=%v", ann, ok)
	}

	plain, _ := a.Announce(command.Event{Type: command.TypeChat, Sender: "A", Content: "[not_emoticon]"})
	if plain.Text != "A says [not_emoticon]" {
		t.Fatalf("expected plain text untouched, got %q", plain.Text)
	}
}

func TestGiftGating(t *testing.T) {
	s := DefaultSettings()
	s.MinPrice = 5
	a := New(s)

	tests := []struct {
		name string
		evt  command.Event
		want bool
	}{
		{"above threshold", command.Event{Type: command.TypeGift, Price: 10, FirstGift: true}, true},
		{"at threshold", command.Event{Type: command.TypeGift, Price: 5, FirstGift: true}, true},
		{"below threshold", command.Event{Type: command.TypeGift, Price: 1, FirstGift: true}, false},
		{"repeat gift", command.Event{Type: command.TypeGift, Price: 10}, false},
		{"paid below threshold", command.Event{Type: command.TypePaid, Price: 4}, false},
		{"paid above threshold", command.Event{Type: command.TypePaid, Price: 30}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Allowed(tt.evt); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestGuardTemplatesPerLevel(t *testing.T) {
	s := DefaultSettings()
	s.Templates.Captain = "captain {uname} x{num}"
	s.Templates.Admiral = "admiral {uname}"
	s.Templates.Commander = "commander {uname}"
	a := New(s)

	cases := map[int]string{
		command.GuardCaptain:   "captain cap x1",
		command.GuardAdmiral:   "admiral cap",
		command.GuardCommander: "commander cap",
	}
	for level, want := range cases {
		ann, ok := a.Announce(command.Event{Type: command.TypeGuard, Sender: "cap", Count: 1, GuardLevel: level})
		if !ok || ann.Text != want || !ann.High {
			t.Fatalf("level %d: unexpected announcement %+v ok=%v", level, ann, ok)
		}
	}
	if _, ok := a.Announce(command.Event{Type: command.TypeGuard, GuardLevel: 9}); ok {
		t.Fatalf("expected unknown guard level to be skipped")
	}
}

func TestDisabledTypesAreSilent(t *testing.T) {
	a := New(DefaultSettings())
	for _, typ := range []command.Type{command.TypeEntry, command.TypeFollow, command.TypeShare, command.TypeLike, command.TypeNotice, command.TypeUnknown} {
		if _, ok := a.Announce(command.Event{Type: typ, Sender: "x"}); ok {
			t.Fatalf("%s should be silent by default", typ)
		}
	}

	s := DefaultSettings()
	s.Enabled.Follow = true
	ann, ok := New(s).Announce(command.Event{Type: command.TypeFollow, Sender: "fan"})
	if !ok || ann.Text != "Thanks fan for the follow" || ann.High {
		t.Fatalf("unexpected follow announcement %+v", ann)
	}
}

func TestBlankTemplateSkipped(t *testing.T) {
	s := DefaultSettings()
	s.Templates.Chat = "  "
	if _, ok := New(s).Announce(command.Event{Type: command.TypeChat, Content: "hi"}); ok {
		t.Fatalf("expected blank template to be skipped")
	}
}

func TestPaidFields(t *testing.T) {
	ann, ok := New(DefaultSettings()).Announce(command.Event{Type: command.TypePaid, Sender: "rich", Price: 30, Content: "hello"})
	if !ok || ann.Text != "Thanks rich for the 30 super chat, hello" || !ann.High {
		t.Fatalf("unexpected paid announcement %+v", ann)
	}
}
