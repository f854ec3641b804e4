package wrapper

import "testing"

func TestDetectPrompt(t *testing.T) {
	tests := []struct {
		name string
		tail string
		want bool
	}{
		{"AngleBracket", "claude> ", true},
		{"QuestionMark", "Proceed with changes?", true},
		{"Colon", "Enter file name:", true},
		{"TrailingNewlines", "ready?\n\n", true},
		{"YesNo", "Overwrite file (y/n) ", true},
		{"BracketYesNo", "continue [y/n] then more text", true},
		{"WaitingPhrase", "The agent is waiting for input before continuing", true},
		{"PressEnter", "Press Enter to continue...", true},
		{"AnsiWrappedPrompt", "\x1b[32mclaude>\x1b[0m ", true},
		{"PlainOutput", "compiled 34 files", false},
		{"MidSentenceQuestion", "what happens next is unclear, compiling", false},
		{"Empty", "", false},
		{"OnlyWhitespace", "  \n\t", false},
		{"OnlyAnsi", "\x1b[2J\x1b[H", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectPrompt(tt.tail); got != tt.want {
				t.Errorf("detectPrompt(%q) = %v, want %v", tt.tail, got, tt.want)
			}
		})
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(10)

	b.Append([]byte("0123456789abcdef"))
	if got := b.String(); got != "6789abcdef" {
		t.Errorf("expected last 10 chars, got %q", got)
	}

	b.Append([]byte("XY"))
	if got := b.String(); got != "89abcdefXY" {
		t.Errorf("expected rolling window, got %q", got)
	}

	b.Reset()
	if b.String() != "" {
		t.Error("reset did not clear buffer")
	}
}
