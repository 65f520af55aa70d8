package social

import (
	"context"
	"strconv"
	"unicode/utf8"

	"github.com/relaychat/server/config"
	"github.com/relaychat/server/plugin/hook"
)

// RegisterBuiltinHooks installs the hooks driven by chat config.
func RegisterBuiltinHooks(center *hook.Center, cfg config.ChatConfig) {
	if cfg.MaxMessageLen > 0 {
		center.Register(hook.BeforeMessageSend, 100, "max_message_len", maxMessageLen(cfg.MaxMessageLen))
	}
}

func maxMessageLen(limit int) hook.Fn {
	return func(_ context.Context, _ hook.Event, data any) (any, error) {
		draft, ok := data.(*hook.MessageDraft)
		if !ok {
			return data, nil
		}
		if utf8.RuneCountInString(draft.Text) > limit {
			return data, hook.Interrupt("message longer than " + strconv.Itoa(limit) + " characters")
		}
		return data, nil
	}
}
